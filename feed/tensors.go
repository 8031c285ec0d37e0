package feed

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"k8s.io/klog/v2"
)

// Tensors converts b into gomlx tensors. Inputs holds the features shaped
// [Size, InputPlanes, 19, 19]; labels holds the policy [Size, 362] and the
// value [Size, 1].
func (b *Batch) Tensors() (inputs, labels []*tensors.Tensor) {
	features := tensors.FromFlatDataAndDimensions(b.Features, b.Size, b.InputPlanes, BoardSize, BoardSize)
	policy := tensors.FromFlatDataAndDimensions(b.Policy, b.Size, PolicySize)
	value := tensors.FromFlatDataAndDimensions(b.Value, b.Size, 1)
	return []*tensors.Tensor{features}, []*tensors.Tensor{policy, value}
}

// Dataset exposes an Assembler as a gomlx train.Dataset.
type Dataset struct {
	name string
	ctx  context.Context
	asm  *Assembler
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset wraps asm. Yield uses ctx for every blocking pull.
func NewDataset(ctx context.Context, name string, asm *Assembler) *Dataset {
	return &Dataset{name: name, ctx: ctx, asm: asm}
}

// Name implements train.Dataset.
func (d *Dataset) Name() string {
	return d.name
}

// Yield implements train.Dataset. It returns io.EOF when the underlying
// pipeline has finished.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := d.asm.NextBatch(d.ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels = b.Tensors()
	return d.name, inputs, labels, nil
}

// Reset implements train.Dataset. The record stream has no epochs, so
// there is nothing to rewind.
func (d *Dataset) Reset() {
	klog.Warningf("dataset %s: Reset has no effect on a continuous stream", d.name)
}
