package turn

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes the detector. Zero fields take the values of [DefaultConfig]
// via [Config.WithDefaults].
type Config struct {
	// SampleRate is the rate frames are converted to before VAD analysis.
	SampleRate int

	// Threshold is the smoothed speech probability that counts as voiced.
	Threshold float64

	// ReleaseThreshold is the probability below which a speaking user is
	// considered silent. Must not exceed Threshold.
	ReleaseThreshold float64

	// AgentSpeakingThreshold replaces Threshold while the agent is audible.
	AgentSpeakingThreshold float64

	// MinSpeech is how long voiced audio must persist before SpeechStart.
	MinSpeech time.Duration

	// Hangover is how long silence must persist before SpeechEnd.
	Hangover time.Duration

	// PrefixPadding is how much audio before the detected start is forwarded
	// to transcription.
	PrefixPadding time.Duration

	// BargeInMin is the voiced duration that qualifies speech as an
	// interruption. While the agent speaks it is also the minimum for
	// SpeechStart.
	BargeInMin time.Duration

	// IdleTimeout emits SilenceTimeout after this long without speech.
	// Zero disables it.
	IdleTimeout time.Duration

	// SmoothingWindow is the number of frames averaged per decision.
	SmoothingWindow int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:             16000,
		Threshold:              0.5,
		ReleaseThreshold:       0.35,
		AgentSpeakingThreshold: 0.8,
		MinSpeech:              100 * time.Millisecond,
		Hangover:               550 * time.Millisecond,
		PrefixPadding:          500 * time.Millisecond,
		BargeInMin:             500 * time.Millisecond,
		SmoothingWindow:        3,
	}
}

// WithDefaults returns c with zero fields filled from [DefaultConfig].
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Threshold == 0 {
		c.Threshold = d.Threshold
	}
	if c.ReleaseThreshold == 0 {
		c.ReleaseThreshold = min(d.ReleaseThreshold, c.Threshold)
	}
	if c.AgentSpeakingThreshold == 0 {
		c.AgentSpeakingThreshold = max(d.AgentSpeakingThreshold, c.Threshold)
	}
	if c.MinSpeech == 0 {
		c.MinSpeech = d.MinSpeech
	}
	if c.Hangover == 0 {
		c.Hangover = d.Hangover
	}
	if c.PrefixPadding == 0 {
		c.PrefixPadding = d.PrefixPadding
	}
	if c.BargeInMin == 0 {
		c.BargeInMin = d.BargeInMin
	}
	if c.SmoothingWindow == 0 {
		c.SmoothingWindow = d.SmoothingWindow
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("turn: sample rate must be positive, got %d", c.SampleRate))
	}
	for name, v := range map[string]float64{
		"threshold":                c.Threshold,
		"release threshold":        c.ReleaseThreshold,
		"agent speaking threshold": c.AgentSpeakingThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("turn: %s %.2f out of range [0,1]", name, v))
		}
	}
	if c.ReleaseThreshold > c.Threshold {
		errs = append(errs, fmt.Errorf("turn: release threshold %.2f exceeds threshold %.2f", c.ReleaseThreshold, c.Threshold))
	}
	if c.MinSpeech < 0 || c.Hangover < 0 || c.PrefixPadding < 0 || c.BargeInMin < 0 || c.IdleTimeout < 0 {
		errs = append(errs, errors.New("turn: durations must not be negative"))
	}
	if c.SmoothingWindow < 1 {
		errs = append(errs, fmt.Errorf("turn: smoothing window must be at least 1, got %d", c.SmoothingWindow))
	}
	return errors.Join(errs...)
}
