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

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/train"
)

// endlessDataset yields single example batches forever.
type endlessDataset struct{}

func (endlessDataset) Name() string { return "endless" }
func (endlessDataset) Reset()       {}
func (endlessDataset) Yield() (*data.Batch, error) {
	return &data.Batch{Lengths: []int{1}, MaxLength: 1}, nil
}

func newLooped(t *testing.T) *train.LoopedDataset {
	looped, err := train.Looped(endlessDataset{}, 4)
	require.NoError(t, err)
	return looped
}

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		looped := newLooped(t)
		checkpoint := Build(looped).TempDir("", "test_checkpoints_").Keep(2).MustDone()
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		assert.Nil(t, checkpoint.Loaded())
		dir = checkpoint.Dir()
		t.Cleanup(func() { _ = os.RemoveAll(dir) })

		loop := train.NewLoop(func(*train.Loop, *data.Batch) error { return nil })
		train.EveryNSteps(loop, 3, "checkpoint", 0, checkpoint.OnStepFn)
		require.NoError(t, loop.RunSteps(looped, 10))
		assert.Equal(t, train.State{GlobalStep: 10, EpochStep: 2}, looped.State())

		// Saved at global steps 3, 6 and 9: only the last 2 are kept.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Regexp(t, `^checkpoint-n0000001-\d{8}-\d{6}-step-00000006$`, list[0])
		assert.Regexp(t, `^checkpoint-n0000002-\d{8}-\d{6}-step-00000009$`, list[1])
		assert.Equal(t, 3, checkpoint.checkpointsCount)
		assert.Equal(t, 2, maxCheckPointCountFromCheckpoints(list))

		ckpt, err := ReadCheckpoint(filepath.Join(dir, list[1]+JsonNameSuffix))
		require.NoError(t, err)
		assert.Equal(t, train.State{GlobalStep: 9, EpochStep: 1}, ckpt.State)
		assert.Equal(t, checkpoint.RunID(), ckpt.RunID)
		assert.Equal(t, 4, ckpt.NominalEpochLength)
		assert.Equal(t, "endless [Looped 4]", ckpt.Dataset)
	}

	{
		// A new handler on the same directory restores the latest state.
		looped := newLooped(t)
		checkpoint, err := Load(looped).Dir(dir).Keep(-1).Done()
		require.NoError(t, err)
		assert.Equal(t, 3, checkpoint.checkpointsCount)
		require.NotNil(t, checkpoint.Loaded())
		assert.NotEqual(t, checkpoint.RunID(), checkpoint.Loaded().RunID)
		assert.Equal(t, train.State{GlobalStep: 9, EpochStep: 1}, looped.State())
		assert.Equal(t, int64(2), looped.Epoch())

		require.NoError(t, checkpoint.Save())
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3)
		assert.Regexp(t, `^checkpoint-n0000003-.*-step-00000009$`, list[2])
	}
}

func TestCheckpointsEpochLengthChanged(t *testing.T) {
	dir := t.TempDir()
	{
		looped, err := train.Looped(endlessDataset{}, 10)
		require.NoError(t, err)
		checkpoint, err := Build(looped).Dir(dir).Done()
		require.NoError(t, err)
		loop := train.NewLoop(func(*train.Loop, *data.Batch) error { return nil })
		require.NoError(t, loop.RunSteps(looped, 7))
		require.Equal(t, train.State{GlobalStep: 7, EpochStep: 7}, looped.State())
		require.NoError(t, checkpoint.Save())
	}

	// Resuming with a shorter nominal epoch re-derives the epoch step from the global step.
	looped := newLooped(t)
	checkpoint, err := Build(looped).Dir(dir).Done()
	require.NoError(t, err)
	require.NotNil(t, checkpoint.Loaded())
	assert.Equal(t, train.State{GlobalStep: 7, EpochStep: 7}, checkpoint.Loaded().State)
	assert.Equal(t, train.State{GlobalStep: 7, EpochStep: 3}, looped.State())
	assert.Equal(t, int64(1), looped.Epoch())
}

func TestCheckpointsInitial(t *testing.T) {
	looped := newLooped(t)
	checkpoint, err := Build(looped).DirFromBase("run", t.TempDir()).Done()
	require.NoError(t, err)
	has, err := checkpoint.HasCheckpoints()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, checkpoint.Save())
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Regexp(t, `^checkpoint-n0000000-.*-initial$`, list[0])

	// Temporary files and unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(checkpoint.Dir(), ".checkpoint-x.json.tmp-1"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(checkpoint.Dir(), "notes.txt"), nil, 0o600))
	list, err = checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCheckpointsErrors(t *testing.T) {
	looped := newLooped(t)
	_, err := Build(looped).Done()
	require.Error(t, err)

	_, err = Load(looped).Dir(t.TempDir()).Done()
	require.ErrorContains(t, err, "no checkpoints found")

	_, err = Build(looped).Dir(t.TempDir()).Keep(0).Done()
	require.Error(t, err)

	fileName := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(fileName, nil, 0o600))
	_, err = Build(looped).Dir(fileName).Done()
	require.ErrorContains(t, err, "not a directory")

	// A corrupted checkpoint fails to load.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000000-20250101-000000-step-00000001.json"),
		[]byte("{not json"), 0o600))
	_, err = Build(looped).Dir(dir).Done()
	require.ErrorContains(t, err, "failed to parse checkpoint")

	// A checkpoint with an invalid state for this dataset.
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000000-20250101-000000-step-00000001.json"),
		[]byte(`{"state": {"global_step": 1, "epoch_step": 7}}`), 0o600))
	_, err = Build(looped).Dir(dir).Done()
	require.Error(t, err)
}
