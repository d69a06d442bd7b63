package coordinator

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	api "github.com/zkceremony/coordinator/handler/http"
)

// CeremonyFile is the TOML setup file handed to create-ceremony. Validation
// happens daemon-side; the file only has to parse.
type CeremonyFile struct {
	Title            string
	Description      string
	StartTime        time.Time `toml:"start_time"`
	EndTime          time.Time `toml:"end_time"`
	TimeoutMechanism string    `toml:"timeout_mechanism"`
	PenaltyMinutes   uint32    `toml:"penalty_minutes"`
	Circuits         []TomlCircuit
}

// TomlCircuit is one [[circuits]] entry.
type TomlCircuit struct {
	Name                   string
	SequencePosition       int    `toml:"sequence_position"`
	DynamicThreshold       uint32 `toml:"dynamic_threshold"`
	FixedTimeWindowMinutes uint32 `toml:"fixed_time_window_minutes"`
}

// LoadCeremonyFile parses the TOML setup file at the given path.
func LoadCeremonyFile(path string) (*CeremonyFile, error) {
	file := &CeremonyFile{}
	if _, err := toml.DecodeFile(path, file); err != nil {
		return nil, errors.Wrapf(err, "parsing ceremony file %s", path)
	}
	return file, nil
}

// Request converts the file into the daemon's creation request body.
func (f *CeremonyFile) Request() api.CeremonyRequest {
	req := api.CeremonyRequest{
		Title:            f.Title,
		Description:      f.Description,
		StartTime:        f.StartTime,
		EndTime:          f.EndTime,
		TimeoutMechanism: f.TimeoutMechanism,
		PenaltyMinutes:   f.PenaltyMinutes,
	}
	for _, c := range f.Circuits {
		req.Circuits = append(req.Circuits, api.CircuitRequest{
			Name:                   c.Name,
			SequencePosition:       c.SequencePosition,
			DynamicThreshold:       c.DynamicThreshold,
			FixedTimeWindowMinutes: c.FixedTimeWindowMinutes,
		})
	}
	return req
}
