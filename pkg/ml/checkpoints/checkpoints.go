/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package checkpoints persists the step state of a train.LoopedDataset, so a run that is
// stopped can resume at the same global step and epoch position.
//
// It's created with Build, configured with Dir (or DirFromBase, TempDir) and Keep, and
// finalized with Done, which restores the most recent checkpoint found in the directory.
// After that, Handler.Save writes a new checkpoint. It can be attached to a training loop with:
//
//	handler, err := checkpoints.Build(looped).Dir("~/runs/bucketing").Keep(3).Done()
//	...
//	train.EveryNSteps(loop, 100, "checkpointing", 0, handler.OnStepFn)
//
// Checkpoints are JSON files named `checkpoint-n<count>-<time>-step-<global_step>.json`.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/train"
	"github.com/gomlx/dynbatch/pkg/support/fsutil"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission used for checkpoint files.
	FilePermMode = os.FileMode(0660)
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that restores (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	looped *train.LoopedDataset

	err error

	dir      string
	keep     int
	mustLoad bool
}

// Build a configuration for building a checkpoints.Handler for the given looped dataset.
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// See Config.Dir, Config.DirFromBase or Config.TempDir to specify where to load/save.
func Build(looped *train.LoopedDataset) *Config {
	return &Config{
		looped: looped,
		keep:   1,
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except Done will fail if no checkpoint exists yet.
func Load(looped *train.LoopedDataset) *Config {
	c := Build(looped)
	c.mustLoad = true
	return c
}

// setError keeps the first error reported.
func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
// A leading "~" is expanded to the user's home directory.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	expanded, err := fsutil.ExpandPath(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	if expanded == "" {
		c.setError(errors.New("empty checkpoints directory given"))
		return c
	}
	c.dir = expanded
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", c.dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoints path %q exists but is not a directory", c.dir))
		return c
	}
	if err != nil {
		if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
			c.setError(errors.Wrapf(err, "failed to create checkpoints directory %q", c.dir))
		}
	}
	return c
}

// DirFromBase sets the directory where to save / load checkpoints. If `dir` is not an absolute path,
// it is taken relative to `baseDir`. If `baseDir` is empty it's the same as Dir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	if baseDir == "" || filepath.IsAbs(dir) || strings.HasPrefix(dir, "~") {
		return c.Dir(dir)
	}
	return c.Dir(filepath.Join(baseDir, dir))
}

// TempDir creates a temporary directory under `dir`, with the given pattern in its name.
// See os.MkdirTemp for details on `dir` and `pattern`.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", c.dir, DirPermMode))
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates a Handler with the current configuration, and restores the looped dataset
// from the most recent checkpoint, if there is one.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.looped == nil {
		return nil, errors.New("checkpoints.Build() requires a non-nil LoopedDataset")
	}
	if c.dir == "" {
		return nil, errors.New("directory for checkpoints not configured: use Dir, DirFromBase or TempDir")
	}
	if c.keep == 0 {
		return nil, errors.New("checkpoints Keep(0) would remove every checkpoint saved, use -1 to keep all")
	}
	h := &Handler{config: c, runID: uuid.New()}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	if len(list) > 0 {
		if err = h.loadCheckpointFromFile(list[len(list)-1]); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "Failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and restores checkpoints of a train.LoopedDataset state.
// Create it with Build.
type Handler struct {
	config           *Config
	runID            uuid.UUID
	checkpointsCount int

	// loaded is the last checkpoint restored, if any.
	loaded *Checkpoint
}

// Checkpoint is the content of one checkpoint file.
type Checkpoint struct {
	// RunID identifies the Handler (one per process) that saved the checkpoint.
	RunID uuid.UUID `json:"run_id"`

	// State of the looped dataset.
	State train.State `json:"state"`

	// NominalEpochLength of the looped dataset when it was saved.
	NominalEpochLength int `json:"nominal_epoch_length"`

	// Dataset is the name of the looped dataset.
	Dataset string `json:"dataset"`

	SavedAt time.Time `json:"saved_at"`
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where the checkpoints are saved.
func (h *Handler) Dir() string { return h.config.dir }

// RunID returns the unique id of this Handler, written to every checkpoint it saves.
func (h *Handler) RunID() uuid.UUID { return h.runID }

// Loaded returns the checkpoint restored by Done, or nil if there was none.
func (h *Handler) Loaded() *Checkpoint { return h.loaded }

// Save writes a new checkpoint with the current state of the looped dataset, and removes
// the older checkpoints beyond the configured Keep.
func (h *Handler) Save() error {
	looped := h.config.looped
	ckpt := &Checkpoint{
		RunID:              h.runID,
		State:              looped.State(),
		NominalEpochLength: looped.NominalEpochLength(),
		Dataset:            looped.Name(),
		SavedAt:            time.Now(),
	}
	contents, err := json.MarshalIndent(ckpt, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to serialize checkpoint", h)
	}
	baseName := h.newCheckpointBaseName(ckpt.State.GlobalStep)
	h.checkpointsCount++
	fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	if err = fsutil.WriteFileAtomic(fileName, contents, FilePermMode); err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint", h)
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved checkpoint %q (%s)", fileName, ckpt.State)
	}
	return h.keepNCheckpoints()
}

// OnStepFn implements `train.OnStepFn`, and make it convenient to attach to a training loop.
// It simply calls save.
func (h *Handler) OnStepFn(_ *train.Loop, _ *data.Batch) error {
	return h.Save()
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files of the base names returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"
)

// ListCheckpoints returns the base file names of the checkpoints in the directory in save order (older first).
//
// The actual file names are these base names suffixed with JsonNameSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
	}
	return maxID
}

// ReadCheckpoint reads and parses a checkpoint file.
func ReadCheckpoint(fileName string) (*Checkpoint, error) {
	contents, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", fileName)
	}
	ckpt := &Checkpoint{}
	if err = json.Unmarshal(contents, ckpt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %q", fileName)
	}
	return ckpt, nil
}

// loadCheckpointFromFile restores the looped dataset from the given checkpoint base name.
func (h *Handler) loadCheckpointFromFile(baseName string) error {
	fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	if klog.V(1).Enabled() {
		klog.Infof("loading: %q", fileName)
	}
	ckpt, err := ReadCheckpoint(fileName)
	if err != nil {
		return err
	}
	looped := h.config.looped
	state := ckpt.State
	if n := looped.NominalEpochLength(); ckpt.NominalEpochLength != 0 && ckpt.NominalEpochLength != n {
		// Epoch boundaries are re-derived from the global step with the new length.
		state.EpochStep = state.GlobalStep % int64(n)
		klog.Warningf("%s: checkpoint %q was saved with nominal epoch length %d, now it is %d: restoring %s as %s",
			h, baseName, ckpt.NominalEpochLength, n, ckpt.State, state)
	}
	if err = looped.Restore(state); err != nil {
		return errors.WithMessagef(err, "%s: failed to restore checkpoint %q", h, baseName)
	}
	h.loaded = ckpt
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
		err = os.Remove(fileName)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
	}
	return nil
}
