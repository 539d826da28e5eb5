// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"fmt"
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/eval"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ml/contrastive"
	"github.com/gomlx/promptccd/ml/optimizers/momentum"
	"github.com/gomlx/promptccd/ml/optimizers/schedules"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/gomlx/promptccd/models/vit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamEpochs is the number of training epochs of each stage.
	ParamEpochs = "epochs"

	// ParamFitEvery refits the mixture prompt every that many epochs, starting at epoch 0. The mixture prompts
	// condition the backbone from the second refit on.
	ParamFitEvery = "fit_gmm_every_n_epoch"

	// ParamEvalEvery evaluates the old classes accuracy (and saves checkpoints) every that many epochs.
	ParamEvalEvery = "eval_every_n_epoch"

	// ParamContrastUnlabelledOnly restricts the unsupervised contrastive loss to the unlabelled samples.
	ParamContrastUnlabelledOnly = "contrast_unlabel_only"

	// ParamSupConWeight is the weight of the supervised contrastive loss of each stage (0-based), in [0, 1].
	// The unsupervised loss is weighted by 1 minus it.
	ParamSupConWeight = "sup_con_weight"

	// ParamTemperature of the unsupervised (InfoNCE) contrastive loss.
	ParamTemperature = "temperature"

	// ParamSupConTemperature is the temperature (and base temperature) of the supervised contrastive loss.
	ParamSupConTemperature = "sup_con_temperature"

	// ParamFreeze lists the prefixes of the dotted names of the backbone variables not trained.
	ParamFreeze = "freeze"

	// ParamGradFromBlock trains the transformer blocks from this one on, even if frozen by ParamFreeze.
	ParamGradFromBlock = "grad_from_block"
)

// DefaultSupConWeights returns the default supervised contrastive weights for the initial stage plus
// numStages discovery stages: only the initial stage has labelled samples.
func DefaultSupConWeights(numStages int) []float64 {
	weights := make([]float64, numStages+1)
	weights[0] = 0.35
	return weights
}

// DefaultFreeze freezes the whole backbone: only the blocks from ParamGradFromBlock on are trained.
var DefaultFreeze = []string{"cls_token", "pos_embed", "patch_embed", "blocks", "norm"}

// TrainConfig holds the training hyperparameters of one stage.
type TrainConfig struct {
	Epochs, FitEvery, EvalEvery int

	ContrastUnlabelledOnly bool

	// SupConWeight of the stage.
	SupConWeight float64

	Temperature, SupConTemperature float64

	Freeze        []string
	GradFromBlock int

	// BatchSize of the evaluation loaders.
	BatchSize int
}

// TrainConfigFromContext reads the training hyperparameters of the given stage.
func TrainConfigFromContext(ctx *context.Context, stage int) (TrainConfig, error) {
	numStages := context.GetParamOr(ctx, data.ParamNumStages, 5)
	cfg := TrainConfig{
		Epochs:                 context.GetParamOr(ctx, ParamEpochs, 200),
		FitEvery:               context.GetParamOr(ctx, ParamFitEvery, 5),
		EvalEvery:              context.GetParamOr(ctx, ParamEvalEvery, 5),
		ContrastUnlabelledOnly: context.GetParamOr(ctx, ParamContrastUnlabelledOnly, false),
		Temperature:            context.GetParamOr(ctx, ParamTemperature, 1.0),
		SupConTemperature:      context.GetParamOr(ctx, ParamSupConTemperature, contrastive.DefaultSupConTemperature),
		Freeze:                 context.GetParamOr(ctx, ParamFreeze, DefaultFreeze),
		GradFromBlock:          context.GetParamOr(ctx, ParamGradFromBlock, 11),
		BatchSize:              context.GetParamOr(ctx, data.ParamBatchSize, 128),
	}
	weights := context.GetParamOr(ctx, ParamSupConWeight, DefaultSupConWeights(numStages))
	if stage < 0 || stage >= len(weights) {
		return cfg, errors.Errorf("%q has %d values, missing the weight of stage %d", ParamSupConWeight,
			len(weights), stage)
	}
	cfg.SupConWeight = weights[stage]
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg TrainConfig) Validate() error {
	switch {
	case cfg.Epochs < 1:
		return errors.Errorf("%q must be >= 1, got %d", ParamEpochs, cfg.Epochs)
	case cfg.FitEvery < 1:
		return errors.Errorf("%q must be >= 1, got %d", ParamFitEvery, cfg.FitEvery)
	case cfg.EvalEvery < 1:
		return errors.Errorf("%q must be >= 1, got %d", ParamEvalEvery, cfg.EvalEvery)
	case cfg.SupConWeight < 0 || cfg.SupConWeight > 1:
		return errors.Errorf("%q values must be in [0, 1], got %g", ParamSupConWeight, cfg.SupConWeight)
	case cfg.Temperature <= 0 || cfg.SupConTemperature <= 0:
		return errors.Errorf("temperatures must be > 0, got %g and %g", cfg.Temperature, cfg.SupConTemperature)
	case cfg.BatchSize < 1:
		return errors.Errorf("%q must be >= 1, got %d", data.ParamBatchSize, cfg.BatchSize)
	}
	return nil
}

// Checkpointer saves the parameters of a stage. It is implemented by store.Store.
type Checkpointer interface {
	SaveLatest(stage int, backbone, head store.Params) error
	SaveBest(stage int, backbone, head store.Params) error
}

var _ Checkpointer = (*store.Store)(nil)

// Progress is notified of the training progress, e.g. to display progress bars.
type Progress interface {
	// StartEpoch is called before the batch loop. numBatches is -1 if unknown.
	StartEpoch(stage, epoch, numBatches int)

	// Batch is called after each training step.
	Batch(loss, accuracy float64)

	// EndEpoch is called at the end of each epoch, after the evaluation.
	EndEpoch(record EpochRecord)
}

// EpochRecord holds the metrics of one epoch.
type EpochRecord struct {
	Epoch        int     `yaml:"epoch"`
	LearningRate float64 `yaml:"learning_rate"`

	// Loss and TrainAcc are averaged over the epoch, weighted by the batch size and the number of contrastive
	// rows respectively.
	Loss     float64 `yaml:"loss"`
	TrainAcc float64 `yaml:"train_acc"`

	// Refit is set if the mixture was fitted at the start of the epoch.
	Refit bool `yaml:"refit,omitempty"`

	// Evaluated is set if OldAcc was measured at the end of the epoch.
	Evaluated bool    `yaml:"evaluated,omitempty"`
	OldAcc    float64 `yaml:"old_acc,omitempty"`
}

// meter is a weighted running average.
type meter struct {
	sum, count float64
}

func (m *meter) add(value, weight float64) {
	m.sum += value * weight
	m.count += weight
}

func (m *meter) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Trainer trains the model of one stage.
type Trainer struct {
	backend backends.Backend
	model   *Model
	stage   StageContext
	cfg     TrainConfig
	kmeans  eval.Config

	checkpoints Checkpointer

	// Progress, if set, is notified of every epoch and batch.
	Progress Progress

	optimizer optimizers.Interface
	schedule  *schedules.CosineAnnealing
	topK      int

	plainStep, promptStep         *context.Exec
	queryExec                     *context.Exec
	plainFeatures, promptFeatures *context.Exec

	// evaluateOld returns the accuracy on the old classes of the validation split.
	evaluateOld func(val *data.Split) (float64, error)
}

// NewTrainer creates the trainer of a stage prepared by Prepare. The hyperparameters are read from the model
// context. Checkpoints are written to checkpoints, if not nil.
func NewTrainer(backend backends.Backend, model *Model, sc StageContext, checkpoints Checkpointer) (*Trainer, error) {
	ctx := model.Ctx
	cfg, err := TrainConfigFromContext(ctx, sc.Index)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuring %s", sc)
	}
	baseLR := context.GetParamOr(ctx, momentum.ParamBaseLearningRate, momentum.DefaultLearningRate)
	tr := &Trainer{
		backend:     backend,
		model:       model,
		stage:       sc,
		cfg:         cfg,
		kmeans:      eval.ConfigFromContext(ctx),
		checkpoints: checkpoints,
		schedule:    schedules.NewCosineAnnealing(baseLR, cfg.Epochs),
		topK:        model.Mixture.TopK(model.Backbone.TopK),
	}
	err = exceptions.TryCatch[error](func() {
		tr.optimizer = momentum.New().FromContext(ctx).Done()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating optimizer")
	}
	tr.evaluateOld = tr.oldAccuracy

	tr.plainStep = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return tr.stepGraph(ctx, inputs, false)
	})
	tr.promptStep = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return tr.stepGraph(ctx, inputs, true)
	})
	tr.queryExec = context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		return model.Backbone.Query(ctx, images, sc.Index)
	})
	tr.plainFeatures = context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		return model.Backbone.Forward(ctx, images, sc.Index, gmp.None).Summary
	})
	tr.promptFeatures = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		images := inputs[0]
		ctx.SetTraining(images.Graph(), false)
		cond := tr.predict(ctx, images, inputs[1:])
		return model.Backbone.Forward(ctx, images, sc.Index, cond).Summary
	})
	return tr, nil
}

// Config returns the training configuration of the stage.
func (tr *Trainer) Config() TrainConfig { return tr.cfg }

// predict conditions the backbone on the mixture prompts selected for the images.
func (tr *Trainer) predict(ctx *context.Context, images *Node, mixtureInputs []*Node) gmp.Conditioning {
	params := gmp.ParamsFromNodes(mixtureInputs[0], mixtureInputs[1], mixtureInputs[2])
	query := tr.model.Backbone.Query(ctx, images, tr.stage.Index)
	return gmp.Predict(params, query, tr.topK, tr.stage.Index)
}

// stepGraph builds one training step. Inputs are [view0, view1, classLabels, labelledMask] followed, if
// conditioned, by the mixture inputs.
//
// It returns the loss, the InfoNCE accuracy, the number of rows of the unsupervised loss, the number of
// labelled samples and the minimum number of positives of the supervised loss.
func (tr *Trainer) stepGraph(ctx *context.Context, inputs []*Node, conditioned bool) []*Node {
	view0, view1, classLabels, labelledMask := inputs[0], inputs[1], inputs[2], inputs[3]
	g := view0.Graph()
	ctx.SetTraining(g, true)
	batchSize := view0.Shape().Dim(0)
	images := Concatenate([]*Node{view0, view1}, 0)

	cond := gmp.None
	if conditioned {
		cond = tr.predict(ctx, images, inputs[4:])
	}
	out := tr.model.Backbone.Forward(ctx, images, tr.stage.Index, cond)
	vit.ApplyFreeze(ctx, tr.cfg.Freeze, tr.cfg.GradFromBlock)
	features := tr.model.Head.Apply(ctx, out.Summary)
	features = L2NormalizeWithEpsilon(features, 1e-12, -1)

	rowMask := contrastive.UnsupervisedRowMask(labelledMask, tr.cfg.ContrastUnlabelledOnly)
	loss, accuracy, numRows := contrastive.MaskedInfoNCELoss(features, rowMask, tr.cfg.Temperature)
	numLabelled := ReduceAllSum(ConvertDType(labelledMask, dtypes.Int32))
	minPositives := Const(g, int32(1))
	if w := tr.cfg.SupConWeight; w > 0 {
		byView := Stack([]*Node{
			Slice(features, AxisRange(0, batchSize)),
			Slice(features, AxisRange(batchSize)),
		}, 1)
		var supLoss *Node
		supLoss, minPositives = contrastive.SupCon(byView).
			Labels(classLabels).
			SampleMask(labelledMask).
			Temperature(tr.cfg.SupConTemperature).
			BaseTemperature(tr.cfg.SupConTemperature).
			DoneWithPositives()
		loss = Add(MulScalar(loss, 1-w), MulScalar(supLoss, w))
	}
	tr.optimizer.UpdateGraph(ctx, g, loss)
	return []*Node{loss, accuracy, numRows, numLabelled, minPositives}
}

// step runs one training step, failing on degenerate batches.
func (tr *Trainer) step(conditioned bool, inputs, labels []*tensors.Tensor) (loss, accuracy float64, numRows int, err error) {
	exec := tr.plainStep
	args := []any{inputs[0], inputs[1], labels[0], labels[2]}
	if conditioned {
		exec = tr.promptStep
		for _, t := range tr.model.Mixture.Inputs() {
			args = append(args, t)
		}
	}
	var outputs []*tensors.Tensor
	if err = exceptions.TryCatch[error](func() { outputs = exec.Call(args...) }); err != nil {
		return
	}
	defer finalizeAll(outputs)
	loss = float64(tensors.ToScalar[float32](outputs[0]))
	accuracy = float64(tensors.ToScalar[float32](outputs[1]))
	numRows = int(tensors.ToScalar[int32](outputs[2]))
	numLabelled := tensors.ToScalar[int32](outputs[3])
	minPositives := tensors.ToScalar[int32](outputs[4])
	switch {
	case numRows == 0:
		err = errors.New("no samples for the unsupervised contrastive loss")
	case tr.cfg.SupConWeight > 0 && numLabelled == 0:
		err = errors.Errorf("no labelled samples for the supervised contrastive loss (weight %g)",
			tr.cfg.SupConWeight)
	case tr.cfg.SupConWeight > 0 && minPositives == 0:
		err = errors.New("supervised contrastive loss has an anchor without positives")
	case math.IsNaN(loss) || math.IsInf(loss, 0):
		err = errors.Errorf("loss became %g", loss)
	}
	return
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

// conditioned returns whether the evaluation features use the mixture prompts.
func (tr *Trainer) conditioned() bool {
	return tr.model.Backbone.PromptPool && tr.model.Mixture.Fitted()
}

// Query extracts the features the mixture is fitted on. It implements gmp.Extractor.
func (tr *Trainer) Query(inputs []*tensors.Tensor) (features *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { features = tr.queryExec.Call(inputs[0])[0] })
	return
}

// Features extracts the backbone features used for evaluation: conditioned on the mixture prompts once the
// mixture is fitted. It implements gmp.Extractor.
func (tr *Trainer) Features(inputs []*tensors.Tensor) (features *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		if !tr.conditioned() {
			features = tr.plainFeatures.Call(inputs[0])[0]
			return
		}
		args := []any{inputs[0]}
		for _, t := range tr.model.Mixture.Inputs() {
			args = append(args, t)
		}
		features = tr.promptFeatures.Call(args...)[0]
	})
	return
}

// Fit trains the stage for the configured number of epochs. Each epoch:
//
//  1. Every FitEvery epochs the mixture is refitted on the Default loader.
//  2. One step per batch of the Contrast loader, conditioned on the mixture prompts from epoch FitEvery on.
//  3. The learning rate of the next epoch is set by the cosine schedule.
//  4. Every EvalEvery epochs the accuracy on the old classes of val is measured: the "latest" checkpoint is
//     always saved, and the "best" one if the accuracy improved.
//
// It returns the best parameters of the stage. If the accuracy never improved over 0, the final parameters
// are used (and saved) as the best.
func (tr *Trainer) Fit(loaders data.Loaders, val *data.Split) (*StageResult, error) {
	ctx := tr.model.Ctx
	result := &StageResult{Stage: tr.stage.Index, K: tr.stage.K, Mixture: tr.model.Mixture, BestEpoch: -1}
	if _, err := tr.schedule.Step(ctx, dtypes.Float32, 0); err != nil {
		return nil, err
	}
	klog.Infof("%s: training %d epochs", tr.stage, tr.cfg.Epochs)
	for epoch := range tr.cfg.Epochs {
		record := EpochRecord{Epoch: epoch, LearningRate: tr.schedule.Current(ctx)}
		if epoch%tr.cfg.FitEvery == 0 {
			if err := tr.model.Mixture.Fit(tr.Query, loaders.Default); err != nil {
				return nil, errors.WithMessagef(err, "%s, epoch %d", tr.stage, epoch)
			}
			record.Refit = true
		}
		conditioned := epoch >= tr.cfg.FitEvery && tr.model.Backbone.PromptPool
		if err := tr.trainEpoch(loaders.Contrast, epoch, conditioned, &record); err != nil {
			return nil, err
		}
		if _, err := tr.schedule.Step(ctx, dtypes.Float32, epoch+1); err != nil {
			return nil, err
		}
		if epoch%tr.cfg.EvalEvery == 0 {
			oldAcc, err := tr.evaluateOld(val)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s, evaluating epoch %d", tr.stage, epoch)
			}
			record.Evaluated, record.OldAcc = true, oldAcc
			if err = tr.gate(epoch, oldAcc, result); err != nil {
				return nil, err
			}
		}
		result.History = append(result.History, record)
		klog.V(1).Infof("%s, epoch %d: loss=%.4f train_acc=%.4f lr=%.3g old_acc=%.4f", tr.stage, epoch,
			record.Loss, record.TrainAcc, record.LearningRate, record.OldAcc)
		if tr.Progress != nil {
			tr.Progress.EndEpoch(record)
		}
	}
	if result.Backbone == nil {
		klog.Warningf("%s: old classes accuracy never improved, using the final parameters as the best", tr.stage)
		result.Backbone = store.Snapshot(ctx, backboneScope)
		result.ProjHead = store.Snapshot(ctx, headScope)
		if tr.checkpoints != nil {
			if err := tr.checkpoints.SaveBest(tr.stage.Index, result.Backbone, result.ProjHead); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// trainEpoch runs the batch loop of one epoch.
func (tr *Trainer) trainEpoch(loader train.Dataset, epoch int, conditioned bool, record *EpochRecord) error {
	loader.Reset()
	if tr.Progress != nil {
		numBatches := -1
		if counter, ok := loader.(data.BatchCounter); ok {
			numBatches = counter.NumBatches()
		}
		tr.Progress.StartEpoch(tr.stage.Index, epoch, numBatches)
	}
	var lossMeter, accMeter meter
	for batch := 0; ; batch++ {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "%s, epoch %d: reading %q", tr.stage, epoch, loader.Name())
		}
		if len(inputs) != contrastive.NumViews || len(labels) < 3 {
			return errors.Errorf("%q yielded %d inputs and %d labels, wanted %d views and "+
				"[classLabels, index, labelledMask]", loader.Name(), len(inputs), len(labels), contrastive.NumViews)
		}
		batchSize := inputs[0].Shape().Dim(0)
		loss, accuracy, numRows, err := tr.step(conditioned, inputs, labels)
		finalizeAll(inputs)
		finalizeAll(labels)
		if err != nil {
			return errors.WithMessagef(err, "%s, epoch %d, batch %d", tr.stage, epoch, batch)
		}
		lossMeter.add(loss, float64(batchSize))
		accMeter.add(accuracy, float64(numRows))
		if tr.Progress != nil {
			tr.Progress.Batch(loss, accuracy)
		}
	}
	if lossMeter.count == 0 {
		return errors.Errorf("%s, epoch %d: %q yielded no batches", tr.stage, epoch, loader.Name())
	}
	record.Loss, record.TrainAcc = lossMeter.mean(), accMeter.mean()
	return nil
}

// gate saves the latest parameters and, on a strict improvement of the old classes accuracy, the best ones.
func (tr *Trainer) gate(epoch int, oldAcc float64, result *StageResult) error {
	backbone := store.Snapshot(tr.model.Ctx, backboneScope)
	head := store.Snapshot(tr.model.Ctx, headScope)
	if tr.checkpoints != nil {
		if err := tr.checkpoints.SaveLatest(tr.stage.Index, backbone, head); err != nil {
			return err
		}
	}
	if oldAcc <= result.BestOldAcc {
		return nil
	}
	klog.V(1).Infof("%s, epoch %d: best old classes accuracy %.4f (was %.4f)", tr.stage, epoch, oldAcc,
		result.BestOldAcc)
	result.BestOldAcc, result.BestEpoch = oldAcc, epoch
	result.Backbone, result.ProjHead = backbone, head
	if tr.checkpoints != nil {
		return tr.checkpoints.SaveBest(tr.stage.Index, backbone, head)
	}
	return nil
}

// oldAccuracy clusters the validation samples of the old classes, in as many clusters as old classes.
func (tr *Trainer) oldAccuracy(val *data.Split) (float64, error) {
	numOld := tr.stage.OldClasses()
	old := val.Filter(func(label int32) bool { return int(label) < numOld })
	name := fmt.Sprintf("stage-%d-val-old", tr.stage.Index)
	features, err := eval.Collect(tr.Features, data.NewDefaultLoader(name, old, tr.cfg.BatchSize))
	if err != nil {
		return 0, err
	}
	acc, err := eval.KMeans(features, numOld, numOld, tr.kmeans)
	if err != nil {
		return 0, err
	}
	return acc.Old, nil
}

// Evaluate runs the semi-supervised k-means over the test split, with the labelled anchors fixed to their
// classes, in as many clusters as classes seen so far. It returns the accuracies over the test samples.
func (tr *Trainer) Evaluate(test, anchors *data.Split) (eval.Accuracies, error) {
	testFeatures, err := eval.Collect(tr.Features,
		data.NewDefaultLoader(fmt.Sprintf("stage-%d-test", tr.stage.Index), test, tr.cfg.BatchSize))
	if err != nil {
		return eval.Accuracies{}, errors.WithMessagef(err, "%s", tr.stage)
	}
	anchorFeatures := &eval.Features{}
	if anchors != nil && anchors.Len() > 0 {
		anchorFeatures, err = eval.Collect(tr.Features,
			data.NewDefaultLoader(fmt.Sprintf("stage-%d-anchors", tr.stage.Index), anchors, tr.cfg.BatchSize))
		if err != nil {
			return eval.Accuracies{}, errors.WithMessagef(err, "%s", tr.stage)
		}
	}
	acc, err := eval.SemiSupKMeans(testFeatures, anchorFeatures, tr.stage.SeenClasses(), tr.stage.OldClasses(),
		tr.kmeans)
	if err != nil {
		return acc, errors.WithMessagef(err, "%s", tr.stage)
	}
	klog.Infof("%s: test accuracy %s", tr.stage, acc)
	return acc, nil
}
