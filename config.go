package vectorlsh

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds every tunable recognized in the `;`-separated configuration
// string of spec.md §6.
type Config struct {
	Path        string   // path of the SQLite database file holding the store (a file, not a directory)
	LogFile     string   // parsed from "logfile" but not read by Open; logging goes only to Logger
	Threads     int      // parsed from "threads" but not read: filters are built on the calling goroutine
	VecDim      int      // LshModel dimension D (build-time only)
	Bits        int      // LshModel bits per variation B (build-time only)
	Variations  int      // LshModel variation count V (build-time only)
	SimDist     int      // runtime refinement distance override; -1 = derive from minSim
	ProbSimDist int      // runtime filter-admission distance override; -1 = derive from SimDist
	MemTypes    []string // types to load fully resident
	CommitSize  int      // parsed from "commitsize" but not read: transactions never auto-commit
	MaxFeatures int      // cap on transaction buffer size

	Logger Logger
}

// DefaultConfig returns the configuration a fresh store is created with when
// the caller overrides nothing.
func DefaultConfig() Config {
	return Config{
		Path:        ".",
		LogFile:     "-",
		Threads:     1,
		VecDim:      300,
		Bits:        64,
		Variations:  2,
		SimDist:     -1,
		ProbSimDist: -1,
		CommitSize:  1000,
		MaxFeatures: 100000,
	}
}

// ParseConfig parses the `;`-separated `key=value` configuration string of
// spec.md §6 over DefaultConfig(). Unknown keys are rejected with
// ErrInvalidArgument.
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(s) == "" {
		return cfg, nil
	}
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return cfg, wrapError("ParseConfig", fmt.Errorf("%w: malformed field %q", ErrInvalidArgument, field))
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])

		var err error
		switch key {
		case "path":
			cfg.Path = val
		case "logfile":
			cfg.LogFile = val
		case "threads":
			cfg.Threads, err = strconv.Atoi(val)
		case "vecdim":
			cfg.VecDim, err = strconv.Atoi(val)
		case "bits":
			cfg.Bits, err = strconv.Atoi(val)
		case "variations":
			cfg.Variations, err = strconv.Atoi(val)
		case "simdist":
			cfg.SimDist, err = strconv.Atoi(val)
		case "probsimdist":
			cfg.ProbSimDist, err = strconv.Atoi(val)
		case "memtypes":
			cfg.MemTypes = splitNonEmpty(val, ",")
		case "commitsize":
			cfg.CommitSize, err = strconv.Atoi(val)
		case "maxfeatures":
			cfg.MaxFeatures, err = strconv.Atoi(val)
		default:
			return cfg, wrapError("ParseConfig", fmt.Errorf("%w: unrecognized configuration key %q", ErrInvalidArgument, key))
		}
		if err != nil {
			return cfg, wrapError("ParseConfig", fmt.Errorf("%w: key %q: %v", ErrInvalidArgument, key, err))
		}
	}
	if cfg.ProbSimDist >= 0 && cfg.SimDist >= 0 && cfg.ProbSimDist < cfg.SimDist {
		return cfg, wrapError("ParseConfig", fmt.Errorf("%w: probsimdist (%d) must be >= simdist (%d)", ErrInvalidArgument, cfg.ProbSimDist, cfg.SimDist))
	}
	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
