//go:build unix

package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shTrainer wraps a shell snippet; trailing "--" swallows the appended flags.
func shTrainer(script string) *ExecTrainer {
	return &ExecTrainer{
		Command: []string{"sh", "-c", script, "--"},
		Logger:  discardLogger(),
	}
}

func TestExecTrainerParsesProgressAndArtifact(t *testing.T) {
	t.Parallel()

	trainer := shTrainer(`
echo "epoch 1/2 loss=0.9123 accuracy=0.4100"
echo "some unrelated log line"
echo "epoch 2/2 loss=0.3001 accuracy=0.8870"
echo "saved /tmp/trained_model.onnx"
`)

	var reported []Progress
	artifact, err := trainer.Train(context.Background(), validConfig(), func(p Progress) {
		reported = append(reported, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/trained_model.onnx", artifact)

	require.Len(t, reported, 2)
	assert.Equal(t, 1, reported[0].Epoch)
	assert.InDelta(t, 0.9123, reported[0].Loss, 1e-9)
	assert.InDelta(t, 0.887, reported[1].Accuracy, 1e-9)
}

func TestExecTrainerPassesHyperparameterFlags(t *testing.T) {
	t.Parallel()

	// The script echoes its argv back as the artifact path, which is enough
	// to see the appended flags.
	trainer := shTrainer(`echo "saved $(echo $* | tr ' ' ',')"`)

	artifact, err := trainer.Train(context.Background(), validConfig(), func(Progress) {})
	require.NoError(t, err)
	assert.Equal(t, "--epochs,3,--batch-size,128,--learning-rate,0.001", artifact)
}

func TestExecTrainerCommandFailure(t *testing.T) {
	t.Parallel()

	trainer := shTrainer(`echo "epoch 1/2 loss=0.5 accuracy=0.5"; exit 3`)

	_, err := trainer.Train(context.Background(), validConfig(), func(Progress) {})
	assert.ErrorContains(t, err, "trainer command failed")
}

func TestExecTrainerMissingArtifact(t *testing.T) {
	t.Parallel()

	trainer := shTrainer(`echo "epoch 1/1 loss=0.1 accuracy=0.9"`)

	_, err := trainer.Train(context.Background(), validConfig(), func(Progress) {})
	assert.ErrorContains(t, err, "without announcing an artifact")
}

func TestExecTrainerEmptyCommand(t *testing.T) {
	t.Parallel()

	trainer := &ExecTrainer{Logger: discardLogger()}
	_, err := trainer.Train(context.Background(), validConfig(), func(Progress) {})
	assert.ErrorContains(t, err, "no trainer command configured")
}

func TestExecTrainerCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trainer := shTrainer(`sleep 60; echo "saved never.onnx"`)
	_, err := trainer.Train(ctx, validConfig(), func(Progress) {})
	assert.Error(t, err)
}
