// Package kernel wires the daemon's components into the frame-in,
// sealed-event-out pipeline: frame buffering, detection dispatch, contract
// enforcement, bucket-key correlation tokens, the sealed append-only log,
// checkpoint cadence, retention, and the reprocess guard. cmd/pwkd
// constructs exactly one Kernel per process.
package kernel

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pwk/internal/attestation"
	"pwk/internal/bucketkey"
	"pwk/internal/checkpoint"
	"pwk/internal/config"
	"pwk/internal/contract"
	"pwk/internal/detector"
	"pwk/internal/frame"
	"pwk/internal/health"
	"pwk/internal/keyhierarchy"
	"pwk/internal/logging"
	"pwk/internal/metrics"
	"pwk/internal/mmr"
	"pwk/internal/reprocess"
	"pwk/internal/retention"
	"pwk/internal/sealedlog"
	"pwk/internal/security"
	"pwk/internal/store"
	"pwk/internal/wal"
)

// Kernel owns every long-lived component of the witness pipeline for one
// device. It is safe for concurrent IngestFrame/RotateBucket calls; the
// components it wires already serialize their own critical sections
// (sealedlog.Log's append lock, bucketkey.Manager's rotation lock).
type Kernel struct {
	cfg    *config.Config
	logger *logging.Logger

	store    *store.Store
	mmrTree  *mmr.MMR
	mmrStore *mmr.FileStore
	walLog   *wal.WAL
	heart    *wal.Heartbeat

	priv     ed25519.PrivateKey
	identity *keyhierarchy.DeviceIdentity
	deviceID [16]byte

	enforcer  *contract.Enforcer
	registry  *detector.Registry
	frameBuf  *frame.Buffer
	bucketMgr *bucketkey.Manager
	sealedLog *sealedlog.Log
	taker     *checkpoint.Taker
	sweeper   *retention.Sweeper
	guard     *reprocess.Guard
	cadence   checkpoint.Cadence
	limiter   *security.RateLimiter
	metrics   *metrics.KernelMetrics
	health    *health.Checker

	mu                     sync.Mutex
	currentBucketStart     time.Time
	eventsSinceCheckpoint  int64
	bucketsSinceCheckpoint int64
	activeRulesetID        string
	activeRulesetHash      [32]byte
	activeModules          []contract.ModuleDescriptor
}

// Version is the kernel's build version, stamped into every sealed
// event's kernel_version field (spec.md §3) so a verifier can tell which
// build of the contract enforcer produced a given payload.
const Version = "0.1.0"

// New constructs a Kernel from a validated Config. It opens the store,
// the MMR accumulator, the WAL, bootstraps (or re-derives) the device's
// Tier-0 signing identity via the attestation provider, and wires every
// pipeline component. The returned Kernel has no registered detectors or
// modules and has not rotated in a bucket key yet; callers must call
// RegisterDetector and SetRuleset, then Start, before IngestFrame will
// produce sealed events.
func New(cfg *config.Config, logger *logging.Logger) (*Kernel, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("kernel: open store: %w", err)
	}

	mmrPath := filepath.Join(filepath.Dir(cfg.Storage.Path), "mmr.dat")
	mmrStore, err := mmr.OpenFileStore(mmrPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: open mmr store: %w", err)
	}
	mmrTree, err := mmr.New(mmrStore)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: init mmr: %w", err)
	}

	provider, err := attestationProvider(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: attestation provider: %w", err)
	}

	priv, err := keyhierarchy.DeriveDeviceSigningKey(provider)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: derive device signing key: %w", err)
	}
	identity, err := keyhierarchy.DeriveDeviceIdentity(provider)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: derive device identity: %w", err)
	}

	deviceID := deviceIDFromIdentity(identity)
	if existing, err := st.GetDevice(deviceID); err != nil {
		st.Close()
		return nil, fmt.Errorf("kernel: read device row: %w", err)
	} else if existing == nil {
		var pub32 [32]byte
		copy(pub32[:], identity.PublicKey)
		if err := st.InsertDevice(&store.DeviceRow{
			DeviceID:      deviceID,
			CreatedAtNs:   time.Now().UnixNano(),
			SigningPubkey: pub32,
		}); err != nil {
			st.Close()
			return nil, fmt.Errorf("kernel: insert device row: %w", err)
		}
	}

	var walLog *wal.WAL
	if cfg.WAL.Enabled {
		sessionID := security.HashDomainSeparated("pwk:wal:session:v1", deviceID[:])
		// The WAL's HMAC key must not be the Ed25519 signing seed itself:
		// reusing one secret as both a signing key and an HMAC key crosses
		// algorithms on the same material. Derive an independent key instead.
		hmacKey, err := security.DeriveKeyWithLabel(priv.Seed(), "wal-hmac-key", 32)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("kernel: derive wal hmac key: %w", err)
		}
		walLog, err = wal.Open(filepath.Join(cfg.WAL.Path, "pwkd.wal"), sessionID, hmacKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("kernel: open wal: %w", err)
		}
	}

	bucketWidth := contract.Bucket10Min
	if cfg.Bucket.SizeMinutes == int(contract.Bucket5Min) {
		bucketWidth = contract.Bucket5Min
	}

	// Each kernel gets its own metrics registry rather than sharing
	// metrics.Default(): a process that ever constructs more than one
	// Kernel (tests do this routinely) must not have the second instance's
	// counters silently add onto the first's.
	kernelMetrics := metrics.NewKernelMetrics(metrics.NewRegistry("pwkd", ""))
	healthChecker := health.NewChecker()
	healthChecker.RegisterFunc("store", true, health.DatabaseCheck(func(ctx context.Context) error {
		_, err := st.CountSealedEvents()
		return err
	}))

	k := &Kernel{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		mmrTree:   mmrTree,
		mmrStore:  mmrStore,
		walLog:    walLog,
		priv:      priv,
		identity:  identity,
		deviceID:  deviceID,
		enforcer:  contract.NewEnforcer(bucketWidth),
		registry:  detector.NewRegistry(),
		frameBuf:  frame.NewBuffer(cfg.Frame.MaxFrames, nil),
		bucketMgr: bucketkey.NewManager(),
		sealedLog: sealedlog.New(st, mmrTree, priv),
		taker:     checkpoint.NewTaker(st, mmrTree, priv),
		sweeper:   retention.NewSweeper(st, time.Duration(cfg.Retention.Seconds)*time.Second),
		guard:     reprocess.NewGuard(st),
		cadence:   checkpoint.Cadence{EveryEvents: cfg.Checkpoint.EveryEvents, EveryBuckets: int64(cfg.Checkpoint.EveryBuckets)},
		limiter:   security.NewRateLimiter(float64(cfg.Frame.MaxFrames)/float64(cfg.Frame.BufferSeconds), cfg.Frame.MaxFrames),
		metrics:   kernelMetrics,
		health:    healthChecker,
	}

	if walLog != nil {
		hbCfg := wal.DefaultHeartbeatConfig()
		hbCfg.WALSoftLimit = cfg.WAL.MaxSizeBytes / 2
		hbCfg.WALHardLimit = cfg.WAL.MaxSizeBytes
		hbCfg.OnCommit = func(trigger string) error {
			_, err := k.checkpointLocked()
			if err != nil && err != checkpoint.ErrNoEvents {
				return err
			}
			return nil
		}
		k.heart = wal.NewHeartbeat(walLog, hbCfg)
	}

	return k, nil
}

func attestationProvider(cfg *config.Config) (attestation.Provider, error) {
	if cfg.Attestation.TPMEnabled {
		if p, err := attestation.DetectHardware(); err == nil {
			return p, nil
		}
	}
	return attestation.NewSoftwareProviderWithPath(cfg.Attestation.PUFSeedPath)
}

func deviceIDFromIdentity(id *keyhierarchy.DeviceIdentity) [16]byte {
	sum := security.HashDomainSeparated("pwk:device-id:v1", []byte(id.DeviceID))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// RegisterDetector warms up and adds a detection backend to the dispatch
// registry.
func (k *Kernel) RegisterDetector(ctx context.Context, b detector.Backend) error {
	if err := b.WarmUp(ctx); err != nil {
		return fmt.Errorf("kernel: warm up backend %s: %w", b.Name(), err)
	}
	k.registry.Register(b)
	return nil
}

// SetRuleset registers the given module descriptors under rulesetID as the
// active ruleset. rulesetID is the same operator-facing identifier
// cmd/breakglass's --ruleset-id flag takes (e.g. "ruleset:v0.3.0" in
// spec.md §9's example); its hash is computed the same way
// (sha256.Sum256([]byte(rulesetID))) so a break-glass request's
// RulesetHash and a sealed event's ruleset_hash are directly comparable.
// A ruleset change only ever takes effect for events sealed after this
// call; historical events keep the ruleset hash they were sealed under,
// which is exactly what internal/reprocess checks against.
func (k *Kernel) SetRuleset(rulesetID string, modules []contract.ModuleDescriptor) [32]byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	sorted := append([]contract.ModuleDescriptor(nil), modules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventType < sorted[j].EventType })

	for _, d := range sorted {
		k.enforcer.RegisterModule(d)
	}

	h := sha256.Sum256([]byte(rulesetID))

	k.activeModules = sorted
	k.activeRulesetID = rulesetID
	k.activeRulesetHash = h
	return h
}

// Start begins the kernel's background heartbeat (checkpoint cadence
// backstop) and rotates in the bucket key for the current time.
func (k *Kernel) Start(ctx context.Context) error {
	if err := k.RotateBucket(time.Now()); err != nil {
		return err
	}
	if k.heart != nil {
		if err := k.heart.Start(ctx); err != nil {
			return fmt.Errorf("kernel: start heartbeat: %w", err)
		}
	}
	k.health.SetReady(true)
	return nil
}

// RotateBucket destroys the currently active Tier-1 bucket key (if any)
// and generates a fresh one for bucketStart, per spec.md §4.5's
// non-linkability window. It is the kernel's responsibility to call this
// once per bucket boundary; the kernel itself does not run a timer for
// it, since the boundary is driven by wall-clock time the caller already
// tracks (cmd/pwkd's main loop).
func (k *Kernel) RotateBucket(bucketStart time.Time) error {
	bucketStart = k.enforcer.TimeBucket(bucketStart)

	if err := k.bucketMgr.Rotate(bucketStart); err != nil {
		return fmt.Errorf("kernel: rotate bucket: %w", err)
	}
	k.metrics.SetActiveBucketKey(true)
	k.updateSizeGauges()

	k.mu.Lock()
	k.currentBucketStart = bucketStart
	k.bucketsSinceCheckpoint++
	due := k.cadence.Due(k.eventsSinceCheckpoint, k.bucketsSinceCheckpoint)
	k.mu.Unlock()

	if due {
		if _, err := k.checkpointLocked(); err != nil && err != checkpoint.ErrNoEvents {
			return fmt.Errorf("kernel: cadence checkpoint: %w", err)
		}
	}
	return nil
}

// IngestFrame pushes a captured frame into the ring buffer, dispatches it
// through every registered detector, reduces each resulting detection into
// a sealed event, and appends the sealed events to the log. Frames are
// never retained past this call's detection pass; only the derived
// sealed events survive it.
func (k *Kernel) IngestFrame(ctx context.Context, raw *frame.RawFrame, zone string) ([]*store.SealedEventRow, error) {
	if !k.limiter.Allow() {
		raw.Release()
		return nil, fmt.Errorf("kernel: frame ingestion rate exceeded for zone %q", zone)
	}

	if ok := k.frameBuf.Push(raw); !ok {
		k.metrics.RecordFrameDropped()
		return nil, nil
	}
	k.metrics.RecordFrameIngested()

	view, err := raw.View()
	if err != nil {
		return nil, fmt.Errorf("kernel: acquire inference view: %w", err)
	}

	results, err := k.registry.DispatchAll(ctx, detector.CapabilityObjectDetection, view)
	if err != nil {
		return nil, fmt.Errorf("kernel: dispatch detectors: %w", err)
	}
	motionResults, err := k.registry.DispatchAll(ctx, detector.CapabilityMotion, view)
	if err != nil {
		return nil, fmt.Errorf("kernel: dispatch motion detectors: %w", err)
	}
	results = append(results, motionResults...)

	captureTime := contract.CaptureBucketToTime(raw.CaptureBucket())
	bucketStart := k.enforcer.TimeBucket(captureTime)

	var sealed []*store.SealedEventRow
	for _, result := range results {
		for _, d := range result.Detections {
			k.metrics.RecordDetection()
			z := zone
			if d.Zone != "" {
				z = d.Zone
			}
			row, err := k.sealDetection(result.Backend, d, z, captureTime, bucketStart, raw.FeatureHash())
			if err != nil {
				return sealed, err
			}
			sealed = append(sealed, row)
		}
	}
	return sealed, nil
}

func (k *Kernel) sealDetection(eventType string, d detector.Detection, zone string, captureTime, bucketStart time.Time, featureHash [32]byte) (*store.SealedEventRow, error) {
	start := time.Now()

	k.mu.Lock()
	rulesetHash := k.activeRulesetHash
	rulesetID := k.activeRulesetID
	k.mu.Unlock()

	fields := contract.DetectionToFields(d)
	candidate := contract.CandidateEvent{
		EventType:     eventType,
		Zone:          zone,
		CaptureTime:   captureTime,
		KernelVersion: Version,
		RulesetID:     rulesetID,
		Fields:        fields,
	}

	reduced, err := k.enforcer.Reduce(candidate)
	if err != nil {
		k.metrics.RecordConformanceAlarm()
		return nil, fmt.Errorf("kernel: contract reduce: %w", err)
	}
	canonical, err := contract.CanonicalPayload(reduced)
	if err != nil {
		return nil, fmt.Errorf("kernel: canonicalize payload: %w", err)
	}

	token, err := k.bucketMgr.IssueToken(bucketStart, featureHash)
	if err != nil {
		return nil, fmt.Errorf("kernel: issue correlation token: %w", err)
	}

	payloadHash := sealedlog.PayloadHash(canonical)
	if k.walLog != nil {
		wp := &wal.CandidateEventPayload{PayloadHash: payloadHash, RulesetHash: rulesetHash, CanonicalPayload: canonical}
		if err := k.walLog.Append(wal.EntryCandidateEvent, wp.Serialize()); err != nil {
			return nil, fmt.Errorf("kernel: wal append: %w", err)
		}
	}

	row, err := k.sealedLog.Append(sealedlog.AppendRequest{
		DeviceID:         k.deviceID,
		EventType:        eventType,
		Zone:             zone,
		CanonicalPayload: canonical,
		RulesetHash:      rulesetHash,
		CorrelationToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: seal event: %w", err)
	}

	k.mu.Lock()
	k.eventsSinceCheckpoint++
	due := k.cadence.Due(k.eventsSinceCheckpoint, k.bucketsSinceCheckpoint)
	k.mu.Unlock()

	if k.heart != nil {
		k.heart.RecordSamples(1)
	}
	k.metrics.RecordSealedEvent(time.Since(start))
	if due {
		if _, err := k.checkpointLocked(); err != nil && err != checkpoint.ErrNoEvents {
			return row, fmt.Errorf("kernel: cadence checkpoint: %w", err)
		}
	}

	return row, nil
}

// checkpointLocked takes a checkpoint, resets the cadence counters, and
// runs a retention sweep behind it. Safe to call from the heartbeat
// goroutine and from the ingest/rotation paths concurrently; Taker.Take
// serializes against the store itself.
func (k *Kernel) checkpointLocked() (*store.CheckpointRow, error) {
	timer := k.metrics.StartCheckpointTimer()
	cp, err := k.taker.Take()
	timer.Stop()
	if err != nil {
		return nil, err
	}
	k.metrics.CheckpointsTotal.Inc()

	k.mu.Lock()
	k.eventsSinceCheckpoint = 0
	k.bucketsSinceCheckpoint = 0
	k.mu.Unlock()

	if _, err := k.sweeper.Sweep(); err != nil && err != retention.ErrNoCheckpoint {
		if k.logger != nil {
			k.logger.Warn("retention sweep failed", "error", err)
		}
	}
	return cp, nil
}

// updateSizeGauges refreshes the WAL, MMR, and database size gauges. It is
// called on every bucket rotation rather than on every sealed event, since
// stat-ing three files per frame would add ingest-path latency for
// telemetry that only needs bucket-granularity freshness.
func (k *Kernel) updateSizeGauges() {
	if k.walLog != nil {
		k.metrics.SetWALSize(k.walLog.Size())
	}
	if n, err := k.mmrStore.Size(); err == nil {
		k.metrics.SetMMRSize(int64(n))
	}
	if info, err := os.Stat(k.cfg.Storage.Path); err == nil {
		k.metrics.SetDatabaseSize(info.Size())
	}
}

// History reads sealed events for a zone, filtered through the reprocess
// guard against the currently active ruleset hash, so a detection module
// can never reinterpret an observation sealed under a prior rule set.
func (k *Kernel) History(zone string) ([]store.SealedEventRow, error) {
	events, err := k.store.GetSealedEventsByZone(zone)
	if err != nil {
		return nil, fmt.Errorf("kernel: read zone history: %w", err)
	}

	k.mu.Lock()
	active := k.activeRulesetHash
	k.mu.Unlock()

	return k.guard.Filter(events, active)
}

// PublicKey returns the device's Tier-0 Ed25519 public key, used by
// log_verify and break-glass receipt verification.
func (k *Kernel) PublicKey() ed25519.PublicKey {
	return k.identity.PublicKey
}

// DeviceID returns the device's 16-byte identifier used to scope the
// sealed log's genesis hash.
func (k *Kernel) DeviceID() [16]byte {
	return k.deviceID
}

// GenesisHash returns the sealed log's expected first prev_hash.
func (k *Kernel) GenesisHash() [32]byte {
	return sealedlog.GenesisHash(k.deviceID)
}

// Metrics returns the kernel's metrics registry, for cmd/pwkd to expose on
// its Prometheus/JSON endpoint.
func (k *Kernel) Metrics() *metrics.KernelMetrics {
	return k.metrics
}

// HealthChecker returns the kernel's health checker, for cmd/pwkd to
// expose on its liveness/readiness endpoints.
func (k *Kernel) HealthChecker() *health.Checker {
	return k.health
}

// Close shuts down every owned component in dependency order: the
// heartbeat first (so it stops calling into components about to close),
// then the bucket key (destroyed, never persisted), then the WAL, MMR
// store, and finally the SQLite store. The Tier-0 signing key is wiped
// from memory once nothing can sign with it anymore.
func (k *Kernel) Close() error {
	k.health.SetReady(false)
	k.metrics.SetActiveBucketKey(false)

	var firstErr error
	if k.heart != nil {
		if err := k.heart.Stop(); err != nil {
			firstErr = err
		}
	}
	k.bucketMgr.Shutdown()

	if k.walLog != nil {
		if err := k.walLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.mmrStore != nil {
		if err := k.mmrStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	keyhierarchy.SecureWipeBytes(k.priv, keyhierarchy.DefaultWipeConfig())
	return firstErr
}
