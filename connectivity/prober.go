package connectivity

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	log "github.com/sirupsen/logrus"
)

const defaultProbeInterval = 15 * time.Second

// ProbeFunc checks reachability of the remote. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// Prober periodically runs a probe and feeds the result into a Signal.
type Prober struct {
	Signal   *Signal
	Probe    ProbeFunc
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to Interval.
	Timeout time.Duration
	Logger  log.FieldLogger
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = interval
	}
	logger := p.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("component", "prober")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.probeOnce(ctx, timeout, logger)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, timeout time.Duration, logger log.FieldLogger) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil
	if online != p.Signal.Online() {
		entry := logger.WithField("online", online)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("connectivity changed")
	}
	p.Signal.Set(online)
}

// STSClient is the subset of the STS API used to probe AWS reachability.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STSProbe reports online when AWS answers GetCallerIdentity. The call needs
// no permissions, so it also succeeds for narrowly scoped credentials.
func STSProbe(client STSClient) ProbeFunc {
	return func(ctx context.Context) error {
		_, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	}
}
