package lodo

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamWarmupSteps is the number of warmup steps: during these initial
	// steps the learning rate linearly increases from 0 to the learning rate
	// defined by optimizers.ParamLearningRate.
	ParamWarmupSteps = "warmup_steps"

	// ParamScheduleSteps is the total number of optimizer steps of the
	// schedule: after the warmup, the learning rate decays linearly, reaching
	// 0 at this step. It is set per fold from the planned number of
	// accumulation groups.
	//
	//   - 0: disables the linear schedule (default).
	//
	// Requires calling LinearScheduleFromContext at the start of your model.
	// Only affects training; no effect during inference or evaluation.
	ParamScheduleSteps = "linear_schedule_steps"

	scheduleScope = "linear_schedule"
)

// LinearScheduleFromContext updates the learning rate at every training step
// with a linear warmup followed by a linear decay to 0, configured by the
// context parameters ParamWarmupSteps and ParamScheduleSteps.
//
// The schedule keeps its own step counter, so each fold restarts it from 0.
func LinearScheduleFromContext(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	ctx = ctx.Checked(false)
	totalSteps := context.GetParamOr(ctx, ParamScheduleSteps, 0)
	if !ctx.IsTraining(g) || totalSteps == 0 {
		return
	}
	warmupSteps := context.GetParamOr(ctx, ParamWarmupSteps, 0)
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	if lrValue == 0 {
		exceptions.Panicf("learning rate not set in the context as parameter %q, required by the linear schedule",
			optimizers.ParamLearningRate)
	}

	// Current training step: the linear schedule keeps its own "global step" counter.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(scheduleScope), g, dtype)
	step = MinusOne(step) // Since the count starts at 1.

	// Fraction of the learning rate: min of the warmup ramp and the decay ramp.
	decaySteps := max(totalSteps-warmupSteps, 1)
	frac := DivScalar(AddScalar(Neg(step), float64(totalSteps)), float64(decaySteps))
	frac = MaxScalar(frac, 0)
	if warmupSteps > 0 {
		frac = Min(frac, DivScalar(step, float64(warmupSteps)))
	} else {
		frac = MinScalar(frac, 1)
	}
	lr := MulScalar(frac, lrValue)

	// Update learning rate.
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, lrValue)
	lrVar.SetValueGraph(lr)
}
