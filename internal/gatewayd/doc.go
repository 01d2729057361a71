// Package gatewayd supervises a BLE scanner gateway running on this host.
//
// Sites without network gateways can run a local scanner (typically a BlueZ
// helper) that publishes advertisement reports to
// graylogic/ble/{gateway}/adv like any other gateway. The Supervisor keeps
// that process alive:
//
//   - Start/stop with graceful shutdown of the whole process group
//   - Restart on failure with exponential backoff (github.com/cenkalti/backoff)
//   - A report watchdog: a gateway that goes silent while the radio is armed
//     is killed and restarted
//   - Process output captured line by line into the service log
//
// Example usage:
//
//	cfg := gatewayd.ConfigFrom(appCfg.Beacon.GatewayProcess)
//	cfg.Liveness = gatewayRadio
//	sup := gatewayd.NewSupervisor(cfg)
//	sup.SetLogger(log)
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package gatewayd
