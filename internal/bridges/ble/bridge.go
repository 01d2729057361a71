package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/dispatch"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
)

// commandTimeout bounds a start command, which may wait out radio retries.
const commandTimeout = 2 * time.Minute

// commandQueueSize bounds commands waiting for the command worker.
const commandQueueSize = 64

// Controller is the lifecycle controller as seen by the bridge.
// *lifecycle.Controller satisfies it.
type Controller interface {
	StatusSource

	StartBeacon(ctx context.Context, region beacon.Region, listener dispatch.Listener) (dispatch.Handle, error)
	StartBeaconDetached(ctx context.Context, region beacon.Region)
	StopBeacon(ctx context.Context, identifier string) error
	Subscribe(identifier string, listener dispatch.Listener) dispatch.Handle
	Unsubscribe(h dispatch.Handle) bool
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	MQTTClient MQTTClient
	Controller Controller

	// Version is reported in health messages.
	Version string

	// HealthInterval defaults to 30s.
	HealthInterval time.Duration

	// Advertiser serves advertise commands. Optional; without it those
	// commands are rejected.
	Advertiser *Advertiser

	Logger beacon.Logger
}

// BridgeMetrics holds bridge counters.
type BridgeMetrics struct {
	CommandsReceived uint64
	CommandsFailed   uint64
	EventsPublished  uint64
	PublishErrors    uint64
}

// Bridge translates MQTT commands into lifecycle calls and publishes beacon
// events back to the bus.
type Bridge struct {
	mqtt       MQTTClient
	controller Controller
	advertiser *Advertiser
	health     *HealthReporter
	topics     mqtt.Topics

	handle dispatch.Handle

	// Commands are executed one at a time off the MQTT delivery path.
	commands chan queuedCommand
	wg       sync.WaitGroup

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	eventsPublished  atomic.Uint64
	publishErrors    atomic.Uint64

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context    //nolint:containedctx // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   beacon.Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.Logger == nil {
		opts.Logger = beacon.NoopLogger{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:       opts.MQTTClient,
		controller: opts.Controller,
		advertiser: opts.Advertiser,
		commands:   make(chan queuedCommand, commandQueueSize),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    opts.Controller,
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start subscribes to commands, registers the event listener and starts
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := b.topics.AllBeaconCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.wg.Add(1)
	go b.runCommands()

	b.handle = b.controller.Subscribe(dispatch.AllRegions, b)

	b.health.Start(ctx)
	b.logInfo("bridge started")
	return nil
}

// Stop shuts the bridge down. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		if b.handle != "" {
			b.controller.Unsubscribe(b.handle)
		}
		if b.mqtt.IsConnected() {
			if err := b.mqtt.Unsubscribe(b.topics.AllBeaconCommands()); err != nil {
				b.logError("failed to unsubscribe commands", err)
			}
		}

		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// HandleEvent publishes a beacon event. Enter and Exit also update the
// retained state topic. Region-less errors go to the _system topic.
func (b *Bridge) HandleEvent(_ context.Context, event beacon.Event) error {
	topic := b.topics.BeaconErrors()
	if id := event.RegionID(); id != "" {
		topic = b.topics.BeaconEvent(id)
	}

	payload, err := json.Marshal(NewEventMessage(event))
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	// Range updates are frequent and superseded by the next one.
	var qos byte = 1
	if event.Kind == beacon.EventRange {
		qos = 0
	}
	if err := b.mqtt.Publish(topic, payload, qos, false); err != nil {
		b.publishErrors.Add(1)
		return fmt.Errorf("publishing %s event: %w", event.Kind, err)
	}
	b.eventsPublished.Add(1)

	if state, ok := NewStateMessage(event); ok {
		if err := b.publishState(state); err != nil {
			b.publishErrors.Add(1)
			return err
		}
	}
	return nil
}

func (b *Bridge) publishState(state StateMessage) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if err := b.mqtt.Publish(b.topics.BeaconState(state.Identifier), payload, 1, true); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}
	return nil
}

// queuedCommand is a validated command waiting for the worker.
type queuedCommand struct {
	cmd    CommandMessage
	region beacon.Region
}

// handleMQTTMessage processes a command on graylogic/command/beacon/{identifier}.
// Parsing and validation happen here; anything that may block is queued for
// the command worker so the MQTT client keeps reading.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	b.commandsReceived.Add(1)
	identifier := mqtt.LastSegment(topic)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.publishAckError(CommandMessage{Identifier: identifier}, ErrCodeInvalidCommand, "malformed command payload")
		return fmt.Errorf("parsing command: %w", err)
	}

	if cmd.Identifier == "" {
		cmd.Identifier = identifier
	}
	if cmd.Identifier != identifier {
		// The requester is listening on the topic it published to.
		msg := fmt.Sprintf("identifier %q does not match topic %q", cmd.Identifier, identifier)
		cmd.Identifier = identifier
		b.commandsFailed.Add(1)
		b.publishAckError(cmd, ErrCodeInvalidCommand, msg)
		return nil
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"identifier", cmd.Identifier,
		"command", cmd.Command)

	switch cmd.Command {
	case CommandStart:
		region, err := commandRegion(cmd)
		if err != nil {
			b.commandsFailed.Add(1)
			if !cmd.WantsReply() {
				b.publishDetachedError(cmd.Identifier, err)
				return nil
			}
			b.publishAckError(cmd, ErrCodeInvalidRegion, err.Error())
			return nil
		}
		b.enqueue(queuedCommand{cmd: cmd, region: region})
	case CommandStop:
		b.enqueue(queuedCommand{cmd: cmd})
	case CommandAdvertise, CommandStopAdvertise:
		if b.advertiser == nil {
			b.commandsFailed.Add(1)
			b.publishAckError(cmd, ErrCodeInvalidCommand, "advertising not configured")
			return nil
		}
		var region beacon.Region
		if cmd.Command == CommandAdvertise {
			var err error
			if region, err = commandRegion(cmd); err != nil {
				b.commandsFailed.Add(1)
				b.advertiser.notify(cmd.Identifier, cmd.Gateway, AdvertisingFailed, err)
				if cmd.WantsReply() {
					b.publishAckError(cmd, ErrCodeInvalidRegion, err.Error())
				}
				return nil
			}
		}
		b.enqueue(queuedCommand{cmd: cmd, region: region})
	default:
		b.commandsFailed.Add(1)
		b.publishAckError(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
	}
	return nil
}

// commandRegion builds the region a start or advertise command names.
func commandRegion(cmd CommandMessage) (beacon.Region, error) {
	region, err := beacon.ResolveRegion(cmd.Preset, cmd.UUID, cmd.Identifier, cmd.Major, cmd.Minor)
	if err != nil {
		return beacon.Region{}, err
	}
	if cmd.MeasuredPower != nil {
		region.MeasuredPower = cmd.MeasuredPower
		if err := beacon.ValidateRegion(region); err != nil {
			return beacon.Region{}, err
		}
	}
	return region, nil
}

// enqueue hands a command to the worker, failing it when the queue is full.
func (b *Bridge) enqueue(qc queuedCommand) {
	select {
	case b.commands <- qc:
	default:
		b.commandsFailed.Add(1)
		b.logInfo("command queue full", "identifier", qc.cmd.Identifier, "command", qc.cmd.Command)
		if qc.cmd.WantsReply() {
			b.publishAckError(qc.cmd, ErrCodeBusy, "command queue full")
		}
	}
}

// runCommands executes queued commands in arrival order until Stop.
func (b *Bridge) runCommands() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case qc := <-b.commands:
			b.execute(qc)
		}
	}
}

func (b *Bridge) execute(qc queuedCommand) {
	switch qc.cmd.Command {
	case CommandStart:
		b.handleStart(qc.cmd, qc.region)
	case CommandStop:
		b.handleStop(qc.cmd)
	case CommandAdvertise:
		b.handleAdvertise(qc.cmd, qc.region)
	case CommandStopAdvertise:
		b.handleStopAdvertise(qc.cmd)
	}
}

func (b *Bridge) handleStart(cmd CommandMessage, region beacon.Region) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if !cmd.WantsReply() {
		b.controller.StartBeaconDetached(ctx, region)
		return
	}

	if _, err := b.controller.StartBeacon(ctx, region, nil); err != nil {
		b.commandsFailed.Add(1)
		b.logError("start command failed", err)
		b.publishAckError(cmd, errorCode(err), err.Error())
		return
	}
	b.publishAck(cmd, AckAccepted)
}

func (b *Bridge) handleStop(cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.controller.StopBeacon(ctx, cmd.Identifier); err != nil {
		b.commandsFailed.Add(1)
		b.logError("stop command failed", err)
		if cmd.WantsReply() {
			b.publishAckError(cmd, errorCode(err), err.Error())
		}
		return
	}

	// An empty retained payload clears the region's state topic.
	if err := b.mqtt.Publish(b.topics.BeaconState(cmd.Identifier), nil, 1, true); err != nil {
		b.logError("failed to clear retained state", err)
	}

	if cmd.WantsReply() {
		b.publishAck(cmd, AckAccepted)
	}
}

// handleAdvertise starts advertising. Outcomes are also reported on the
// advertising topic by the advertiser.
func (b *Bridge) handleAdvertise(cmd CommandMessage, region beacon.Region) {
	if _, err := b.advertiser.StartAdvertising(region, cmd.Gateway); err != nil {
		b.commandsFailed.Add(1)
		b.logError("advertise command failed", err)
		if cmd.WantsReply() {
			b.publishAckError(cmd, errorCode(err), err.Error())
		}
		return
	}
	if cmd.WantsReply() {
		b.publishAck(cmd, AckAccepted)
	}
}

func (b *Bridge) handleStopAdvertise(cmd CommandMessage) {
	if err := b.advertiser.StopAdvertising(cmd.Identifier); err != nil {
		b.commandsFailed.Add(1)
		b.logError("stop_advertise command failed", err)
		if cmd.WantsReply() {
			b.publishAckError(cmd, errorCode(err), err.Error())
		}
		return
	}
	if cmd.WantsReply() {
		b.publishAck(cmd, AckAccepted)
	}
}

// publishDetachedError reports a rejected fire-and-forget command on the
// event topic, where its caller is listening.
func (b *Bridge) publishDetachedError(identifier string, err error) {
	region := beacon.Region{Identifier: identifier}
	if hErr := b.HandleEvent(b.ctx, beacon.NewError(&region, err, time.Now())); hErr != nil {
		b.logError("failed to publish command error", hErr)
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	b.sendAck(AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		Identifier: cmd.Identifier,
		Command:    cmd.Command,
		Status:     status,
		Protocol:   mqtt.BeaconProtocol,
	})
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.sendAck(AckMessage{
		CommandID:  cmd.ID,
		Timestamp:  time.Now().UTC(),
		Identifier: cmd.Identifier,
		Command:    cmd.Command,
		Status:     AckFailed,
		Protocol:   mqtt.BeaconProtocol,
		Error:      &AckError{Code: code, Message: message},
	})
}

func (b *Bridge) sendAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.BeaconAck(ack.Identifier), payload, 1, false); err != nil {
		b.publishErrors.Add(1)
		b.logError("failed to publish ack", err)
	}
}

// errorCode maps core errors to ack error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, beacon.ErrInvalidRegion):
		return ErrCodeInvalidRegion
	case errors.Is(err, beacon.ErrRegionNotFound):
		return ErrCodeNotFound
	case errors.Is(err, beacon.ErrRadioUnavailable):
		return ErrCodeRadioUnavailable
	case errors.Is(err, ErrNotAdvertising):
		return ErrCodeNotAdvertising
	default:
		return ErrCodeBridgeError
	}
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger beacon.Logger) {
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	logger.Info(msg, keysAndValues...)
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	logger.Error(msg, "error", err)
}

// GetMetrics returns the bridge counters.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		EventsPublished:  b.eventsPublished.Load(),
		PublishErrors:    b.publishErrors.Load(),
	}
}
