package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scanner runs both gates on a fixed interval in the background.
//
// Each scan is independent: errors are logged and the scanner keeps its
// schedule. Demotion runs before promotion so a manually disabled pattern is
// deprecated before the promotion gate can look at it.
//
// Thread safety: Start and Stop are safe for concurrent use. The running
// state is protected by a mutex.
type Scanner struct {
	interval  time.Duration
	batchSize int
	promotion *PromotionGate
	demotion  *DemotionGate
	logger    *zap.Logger

	// mu protects running and stopCh.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScanInterval sets the time between scans. Defaults to 1 minute.
func WithScanInterval(interval time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.interval = interval
	}
}

// WithBatchSize bounds how many patterns each gate evaluates per status per
// scan. Defaults to 200.
func WithBatchSize(n int) ScannerOption {
	return func(s *Scanner) {
		s.batchSize = n
	}
}

// NewScanner creates a scanner over the two gates. It does not start
// automatically; call Start.
func NewScanner(promotion *PromotionGate, demotion *DemotionGate, logger *zap.Logger, opts ...ScannerOption) (*Scanner, error) {
	if promotion == nil {
		return nil, fmt.Errorf("promotion gate is required")
	}
	if demotion == nil {
		return nil, fmt.Errorf("demotion gate is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scanner{
		interval:  time.Minute,
		batchSize: 200,
		promotion: promotion,
		demotion:  demotion,
		logger:    logger.Named("gate-scanner"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the background scan loop. Calling Start on a running scanner
// returns an error without starting a second goroutine.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scanner is already running")
	}

	// Fresh stop channel for this run so Stop/Start cycles work.
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("gate scanner started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	go s.run()
	return nil
}

// Stop signals the scan loop to exit. Stopping a stopped scanner is a no-op.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug("scanner stop called but not running")
		return nil
	}

	s.logger.Info("stopping gate scanner")
	s.running = false
	close(s.stopCh)
	return nil
}

func (s *Scanner) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scanner goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeScan()
		case <-s.stopCh:
			s.logger.Debug("scanner received stop signal")
			return
		}
	}
}

// safeScan wraps one scan pass with panic recovery so a single bad pass
// cannot kill the loop.
func (s *Scanner) safeScan() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gate scan panicked, continuing scanner",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	s.ScanOnce(context.Background())
}

// ScanOnce runs a single demotion pass followed by a promotion pass. Exposed
// so operators can trigger an immediate evaluation without waiting for the
// ticker.
func (s *Scanner) ScanOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	started := time.Now()

	demoted, err := s.demotion.Scan(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("demotion scan failed", zap.Error(err))
	}

	promoted, err := s.promotion.Scan(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("promotion scan failed", zap.Error(err))
	}

	s.logger.Info("gate scan completed",
		zap.Int("demotion_evaluated", demoted.Evaluated),
		zap.Int("demotion_submitted", demoted.Submitted),
		zap.Int("demotion_conflicts", demoted.Conflicts),
		zap.Int("promotion_evaluated", promoted.Evaluated),
		zap.Int("promotion_submitted", promoted.Submitted),
		zap.Int("promotion_conflicts", promoted.Conflicts),
		zap.Duration("duration", time.Since(started)),
	)
}
