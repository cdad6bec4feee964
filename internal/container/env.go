// Package container resolves the environment SageMaker provides to a
// training container.
package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// HyperparametersPath is where SageMaker writes the job hyperparameters.
const HyperparametersPath = "/opt/ml/input/config/hyperparameters.json"

// Env is the SageMaker view of a training container.
type Env struct {
	TrainConfig     string
	TrainData       string
	ModelDir        string
	NumGPUs         int
	Hosts           []string
	CurrentHost     string
	Hyperparameters map[string]string
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv reads the SM_* variables through lookup and the hyperparameters
// file at hyperparamsPath. A missing hyperparameters file is not an error;
// outside SageMaker it does not exist.
func FromEnv(lookup LookupFunc, hyperparamsPath string) (Env, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := Env{Hyperparameters: map[string]string{}}
	env.TrainConfig, _ = lookup("SM_CHANNEL_TRAINCFG")
	env.TrainData, _ = lookup("SM_CHANNEL_TRAINDATA")
	env.ModelDir, _ = lookup("SM_MODEL_DIR")
	env.CurrentHost, _ = lookup("SM_CURRENT_HOST")

	if v, ok := lookup("SM_NUM_GPUS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Env{}, fmt.Errorf("SM_NUM_GPUS: %w", err)
		}
		env.NumGPUs = n
	}
	if v, ok := lookup("SM_HOSTS"); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &env.Hosts); err != nil {
			return Env{}, fmt.Errorf("SM_HOSTS: %w", err)
		}
	}

	if hyperparamsPath == "" {
		return env, nil
	}
	hp, err := readHyperparameters(hyperparamsPath)
	if err != nil {
		return Env{}, err
	}
	if hp != nil {
		env.Hyperparameters = hp
	}
	return env, nil
}

// readHyperparameters decodes the flat JSON object SageMaker writes. Values
// may be JSON strings, numbers or booleans; all are returned as strings. The
// SageMaker SDK JSON-encodes string values before submitting them, so a
// string that is itself a quoted JSON string is unquoted once more.
func readHyperparameters(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hyperparameters: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse hyperparameters: %w", err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			var inner string
			if json.Unmarshal([]byte(s), &inner) == nil {
				s = inner
			}
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}

// Hyperparameter returns the named hyperparameter or fallback when unset.
func (e Env) Hyperparameter(name, fallback string) string {
	if v, ok := e.Hyperparameters[name]; ok && v != "" {
		return v
	}
	return fallback
}

// ConfigPath resolves the training config file. SageMaker mounts the
// traincfg channel as a directory, so a directory is joined with filename.
func ConfigPath(channel, filename string) (string, error) {
	if channel == "" {
		return "", errors.New("training config channel is not set")
	}
	info, err := os.Stat(channel)
	if err != nil {
		return "", fmt.Errorf("training config: %w", err)
	}
	if !info.IsDir() {
		return channel, nil
	}
	if filename == "" {
		return "", fmt.Errorf("training config: %s is a directory and no filename was given", channel)
	}
	return filepath.Join(channel, filename), nil
}

// IsMaster reports whether this host should write shared outputs. Single
// host jobs and runs outside SageMaker are always the master.
func (e Env) IsMaster() bool {
	return len(e.Hosts) == 0 || e.CurrentHost == "" || e.Hosts[0] == e.CurrentHost
}
