package beacon

import (
	"errors"
	"testing"
)

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		name       string
		preset     string
		uuid       string
		identifier string
		major      *int
		wantUUID   string
		wantID     string
		wantErr    bool
	}{
		{
			name:       "explicit uuid",
			uuid:       "f7826da6-4fa2-4e98-8024-bc5b71e0893e",
			identifier: "lobby",
			wantUUID:   "f7826da6-4fa2-4e98-8024-bc5b71e0893e",
			wantID:     "lobby",
		},
		{
			name:     "estimote default identifier",
			preset:   "estimote",
			wantUUID: "b9407f30-f5f8-466e-aff9-25556b57fe6d",
			wantID:   "EstimoteSampleRegion",
		},
		{
			name:       "estimote with identifier and major",
			preset:     "Estimote",
			identifier: "desk",
			major:      intPtr(12),
			wantUUID:   "b9407f30-f5f8-466e-aff9-25556b57fe6d",
			wantID:     "desk",
		},
		{name: "unknown preset", preset: "kontakt", identifier: "desk", wantErr: true},
		{name: "preset and uuid", preset: "estimote", uuid: "f7826da6-4fa2-4e98-8024-bc5b71e0893e", wantErr: true},
		{name: "preset with bad major", preset: "estimote", major: intPtr(-1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ResolveRegion(tt.preset, tt.uuid, tt.identifier, tt.major, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRegion) {
					t.Fatalf("ResolveRegion() error = %v, want ErrInvalidRegion", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRegion() error = %v", err)
			}
			if r.UUID.String() != tt.wantUUID || r.Identifier != tt.wantID {
				t.Errorf("region = %s/%s, want %s/%s", r.UUID, r.Identifier, tt.wantUUID, tt.wantID)
			}
			if tt.major != nil && (r.Major == nil || int(*r.Major) != *tt.major) {
				t.Errorf("Major = %v, want %d", r.Major, *tt.major)
			}
		})
	}
}
