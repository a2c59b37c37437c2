package optimizer

import "math"

// LRScheduler computes the learning rate for a given step.
type LRScheduler interface {
	LR(step int64) float32
}

// ExponentialDecay decays the learning rate continuously:
// lr = initial · decayRate^(step/decaySteps).
type ExponentialDecay struct {
	InitialLR  float32
	DecayRate  float32
	DecaySteps int64
}

// LR returns the learning rate at step.
func (s ExponentialDecay) LR(step int64) float32 {
	if s.DecaySteps <= 0 {
		return s.InitialLR
	}
	return s.InitialLR * float32(math.Pow(float64(s.DecayRate), float64(step)/float64(s.DecaySteps)))
}

// StepDecay multiplies the learning rate by gamma every stepSize steps:
// lr = initial · gamma^floor(step/stepSize).
type StepDecay struct {
	InitialLR float32
	Gamma     float32
	StepSize  int64
}

// LR returns the learning rate at step.
func (s StepDecay) LR(step int64) float32 {
	if s.StepSize <= 0 {
		return s.InitialLR
	}
	return s.InitialLR * float32(math.Pow(float64(s.Gamma), float64(step/s.StepSize)))
}

// Apply sets opt's learning rate from the scheduler at step.
func Apply(s LRScheduler, opt *SGD, step int64) {
	opt.SetLearningRate(s.LR(step))
}
