package queue

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"tao20/internal/attestation"
	"tao20/internal/consensus"
	"tao20/internal/oracle"
	"tao20/internal/registry"
	"tao20/internal/signing"
	"tao20/internal/staking"
	"tao20/internal/storage"
	"tao20/internal/token"
)

// navUnit is a NAV of exactly 1.0, making mint amounts equal deposit
// amounts in the tests.
const navUnit = consensus.Precision

// fakeClock is a controllable time source shared by engine and queue.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "queue_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// pipeline wires a queue to live consensus, attestation, staking and
// token components with two fully attesting validators.
type pipeline struct {
	queue  *Queue
	engine *consensus.Engine
	ledger *attestation.Ledger
	policy *staking.Manager
	tok    *token.Ledger
	orc    *oracle.Mock
	reg    *registry.Registry
	clock  *fakeClock
	domain signing.Domain

	valAddrs []common.Address
	blsKeys  []*attestation.KeyPair

	claimerKey *ecdsa.PrivateKey
	claimer    common.Address
}

// newPipeline builds the full mint/redeem pipeline around the given
// storage (nil for in-memory only). The NAV starts at exactly 1.0.
func newPipeline(t *testing.T, db *storage.Storage) *pipeline {
	t.Helper()

	p := &pipeline{
		orc:    oracle.NewMock(),
		clock:  &fakeClock{current: time.Unix(1_700_000_000, 0)},
		domain: signing.Domain{Name: "TAO20-CORE", Version: "1", ChainID: 1},
	}

	reg, admin, err := registry.New(nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	p.reg = reg

	for i := 0; i < 2; i++ {
		kp, err := attestation.GenerateKeyFromSeed([]byte(fmt.Sprintf("queue-test-bls-seed-with-padding-%d", i)))
		if err != nil {
			t.Fatalf("generate BLS key: %v", err)
		}

		addr := common.Address{byte(i + 1)}
		if err := admin.AddValidator(addr, kp.PublicKeyBytes(), 50); err != nil {
			t.Fatalf("add validator: %v", err)
		}

		p.valAddrs = append(p.valAddrs, addr)
		p.blsKeys = append(p.blsKeys, kp)
	}

	engine, err := consensus.New(consensus.DefaultConfig(), p.domain, reg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(p.clock.Now)
	p.engine = engine

	if _, err := engine.EmergencyUpdate(uint256.NewInt(navUnit)); err != nil {
		t.Fatalf("seed nav: %v", err)
	}

	ledger, err := attestation.New(attestation.DefaultConfig(), reg, nil)
	if err != nil {
		t.Fatalf("new attestation ledger: %v", err)
	}
	p.ledger = ledger

	policy, err := staking.New(8000, p.orc, nil)
	if err != nil {
		t.Fatalf("new staking manager: %v", err)
	}
	p.policy = policy

	tok, err := token.NewLedger(nil)
	if err != nil {
		t.Fatalf("new token ledger: %v", err)
	}
	p.tok = tok

	q, err := New(DefaultConfig(), p.domain, engine, ledger, policy, tok, p.orc, db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.now = p.clock.Now
	p.queue = q

	p.claimerKey, err = crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate claimer key: %v", err)
	}
	p.claimer = crypto.PubkeyToAddress(p.claimerKey.PublicKey)

	return p
}

// deposit registers a deposit with the oracle and attests it with both
// validators.
func (p *pipeline) deposit(t *testing.T, label string, amount uint64) *DepositReference {
	t.Helper()

	ref := &DepositReference{
		SourceBlockHash: oracle.DeterministicKey("block-" + label),
		ExtrinsicIndex:  1,
		DepositorKey:    oracle.DeterministicKey("depositor-" + label),
		AssetID:         0,
		Amount:          uint256.NewInt(amount),
	}

	p.orc.RegisterDeposit(ref.SourceBlockHash, ref.ExtrinsicIndex, ref.DepositorKey, ref.AssetID, ref.Amount)
	p.attestDeposit(t, ref)

	return ref
}

// attestDeposit has both validators attest the deposit.
func (p *pipeline) attestDeposit(t *testing.T, ref *DepositReference) {
	t.Helper()

	id := ref.DepositID()

	for i, kp := range p.blsKeys {
		att := &attestation.Attestation{
			DepositID: id,
			Validator: p.valAddrs[i],
			Timestamp: p.clock.Now().Unix(),
			Signature: kp.Sign(attestation.Message(id)),
		}

		if err := p.ledger.Submit(att); err != nil {
			t.Fatalf("attest deposit: %v", err)
		}
	}
}

// claim builds and signs a mint claim for the reference.
func (p *pipeline) claim(t *testing.T, ref *DepositReference) *Claim {
	t.Helper()

	c := &Claim{
		Claimer:   p.claimer,
		DepositID: ref.DepositID(),
		Nonce:     0,
		ExpiresAt: p.clock.Now().Unix() + 600,
	}

	digest := ClaimDigest(p.domain, c)

	sig, err := signing.Sign(digest, p.claimerKey)
	if err != nil {
		t.Fatalf("sign claim: %v", err)
	}
	c.Signature = sig

	return c
}

func TestClaimMint(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1_000_000)

	item, err := p.queue.ClaimMint(ref, p.claim(t, ref))
	if err != nil {
		t.Fatalf("claim mint: %v", err)
	}

	// At NAV 1.0 the mint equals the deposit amount.
	if !item.MintAmount.Eq(uint256.NewInt(1_000_000)) {
		t.Errorf("expected mint 1000000, got %s", item.MintAmount.String())
	}

	if item.Status != StatusPending {
		t.Errorf("expected pending status, got %s", item.Status)
	}

	if !p.queue.IsConsumed(ref.DepositID()) {
		t.Error("deposit not marked consumed")
	}

	if p.queue.PendingCount() != 1 {
		t.Errorf("expected 1 pending item, got %d", p.queue.PendingCount())
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A fresh, valid claim for the same deposit is still blocked.
	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimWithoutAttestations(t *testing.T) {
	p := newPipeline(t, nil)

	ref := &DepositReference{
		SourceBlockHash: oracle.DeterministicKey("block-x"),
		ExtrinsicIndex:  1,
		DepositorKey:    oracle.DeterministicKey("depositor-x"),
		Amount:          uint256.NewInt(1000),
	}
	p.orc.RegisterDeposit(ref.SourceBlockHash, ref.ExtrinsicIndex, ref.DepositorKey, ref.AssetID, ref.Amount)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); !errors.Is(err, ErrAttestationInsufficient) {
		t.Errorf("expected ErrAttestationInsufficient, got %v", err)
	}

	if p.queue.IsConsumed(ref.DepositID()) {
		t.Error("failed claim consumed the deposit")
	}
}

func TestClaimDepositMismatch(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	c := p.claim(t, ref)
	c.DepositID = [32]byte{0xff}

	if _, err := p.queue.ClaimMint(ref, c); !errors.Is(err, ErrDepositMismatch) {
		t.Errorf("expected ErrDepositMismatch, got %v", err)
	}
}

func TestClaimExpiredThenRetried(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	expired := p.claim(t, ref)
	p.clock.Advance(11 * time.Minute)

	if _, err := p.queue.ClaimMint(ref, expired); !errors.Is(err, ErrClaimExpired) {
		t.Fatalf("expected ErrClaimExpired, got %v", err)
	}

	// The deposit is not consumed; a fresh claim succeeds.
	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Errorf("retry after expiry failed: %v", err)
	}
}

func TestClaimBadSignature(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	c := p.claim(t, ref)

	otherKey, _ := crypto.GenerateKey()
	digest := ClaimDigest(p.domain, c)
	c.Signature, _ = signing.Sign(digest, otherKey)

	if _, err := p.queue.ClaimMint(ref, c); !errors.Is(err, ErrInvalidClaimSignature) {
		t.Errorf("expected ErrInvalidClaimSignature, got %v", err)
	}
}

func TestClaimUnverifiedDeposit(t *testing.T) {
	p := newPipeline(t, nil)

	// Attested but never seen by the source chain oracle.
	ref := &DepositReference{
		SourceBlockHash: oracle.DeterministicKey("block-y"),
		ExtrinsicIndex:  1,
		DepositorKey:    oracle.DeterministicKey("depositor-y"),
		Amount:          uint256.NewInt(1000),
	}
	p.attestDeposit(t, ref)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); !errors.Is(err, ErrDepositNotFound) {
		t.Errorf("expected ErrDepositNotFound, got %v", err)
	}
}

func TestClaimZeroAmount(t *testing.T) {
	p := newPipeline(t, nil)

	ref := &DepositReference{Amount: uint256.NewInt(0)}

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); !errors.Is(err, ErrZeroDeposit) {
		t.Errorf("expected ErrZeroDeposit, got %v", err)
	}
}

func TestExecuteBatchMints(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1_000_000)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := p.queue.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	if report.Executed != 1 || report.Expired != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if got := p.tok.BalanceOf(p.claimer); !got.Eq(uint256.NewInt(1_000_000)) {
		t.Errorf("expected balance 1000000, got %s", got.String())
	}

	// Backing equals the NAV-implied value of the minted supply.
	if got := p.policy.TotalBacking(); !got.Eq(uint256.NewInt(1_000_000)) {
		t.Errorf("expected backing 1000000, got %s", got.String())
	}

	if !p.policy.LiquidFloorHolds() {
		t.Error("liquid floor broken after mint")
	}

	item, _ := p.queue.Item(ref.DepositID())
	if item.Status != StatusExecuted {
		t.Errorf("expected executed status, got %s", item.Status)
	}

	if p.queue.PendingCount() != 0 {
		t.Errorf("expected empty queue, got %d pending", p.queue.PendingCount())
	}
}

func TestExecuteBatchSlippageAbortsAll(t *testing.T) {
	p := newPipeline(t, nil)

	for _, label := range []string{"a", "b"} {
		ref := p.deposit(t, label, 1000)
		if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
			t.Fatalf("claim %s: %v", label, err)
		}
	}

	// Quotes move 2% against us, past the 1% ceiling.
	p.orc.SetQuoteBps(-200)

	if _, err := p.queue.ExecuteBatch(10); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	if !p.tok.TotalSupply().IsZero() {
		t.Error("aborted batch minted tokens")
	}

	if p.queue.PendingCount() != 2 {
		t.Errorf("aborted items not requeued: %d pending", p.queue.PendingCount())
	}

	// Quotes recover; the same batch executes.
	p.orc.SetQuoteBps(0)

	report, err := p.queue.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}

	if report.Executed != 2 {
		t.Errorf("expected 2 executed, got %d", report.Executed)
	}
}

func TestExecuteBatchExpiresOldItems(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	p.clock.Advance(2 * time.Hour)

	// A fresh NAV so execution itself is possible.
	if _, err := p.engine.EmergencyUpdate(uint256.NewInt(navUnit)); err != nil {
		t.Fatalf("refresh nav: %v", err)
	}

	report, err := p.queue.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	if report.Executed != 0 || report.Expired != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	// Expiry never reopens the mint.
	if !p.queue.IsConsumed(ref.DepositID()) {
		t.Error("expired item released its deposit")
	}

	item, _ := p.queue.Item(ref.DepositID())
	if item.Status != StatusExpired {
		t.Errorf("expected expired status, got %s", item.Status)
	}
}

func TestExecuteBatchStaleNAVRequeues(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Past the price age but inside the item TTL.
	p.clock.Advance(20 * time.Minute)

	if _, err := p.queue.ExecuteBatch(10); !errors.Is(err, consensus.ErrStaleNAV) {
		t.Fatalf("expected ErrStaleNAV, got %v", err)
	}

	if p.queue.PendingCount() != 1 {
		t.Errorf("stale-NAV batch dropped its items: %d pending", p.queue.PendingCount())
	}
}

// flakyToken fails the nth Mint call and delegates otherwise.
type flakyToken struct {
	token.Token
	failOn int
	calls  int
}

var errMintUnavailable = errors.New("token backend unavailable")

func (f *flakyToken) Mint(to common.Address, amount *uint256.Int) error {
	f.calls++
	if f.calls == f.failOn {
		return errMintUnavailable
	}

	return f.Token.Mint(to, amount)
}

func TestExecuteBatchMintFailureRequeuesTail(t *testing.T) {
	p := newPipeline(t, nil)

	flaky := &flakyToken{Token: p.tok, failOn: 2}

	q, err := New(DefaultConfig(), p.domain, p.engine, p.ledger, p.policy, flaky, p.orc, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.now = p.clock.Now

	for _, label := range []string{"a", "b", "c"} {
		ref := p.deposit(t, label, 1000)
		if _, err := q.ClaimMint(ref, p.claim(t, ref)); err != nil {
			t.Fatalf("claim %s: %v", label, err)
		}
	}

	if _, err := q.ExecuteBatch(10); !errors.Is(err, errMintUnavailable) {
		t.Fatalf("expected mint failure, got %v", err)
	}

	// The first item executed; the failing item and the untouched tail
	// are back in the pending queue.
	if got := q.PendingCount(); got != 2 {
		t.Errorf("expected 2 requeued items, got %d", got)
	}

	if got := p.tok.BalanceOf(p.claimer); !got.Eq(uint256.NewInt(1000)) {
		t.Errorf("expected balance 1000 after partial batch, got %s", got.String())
	}

	// The backend recovers; the remainder executes.
	report, err := q.ExecuteBatch(10)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}

	if report.Executed != 2 {
		t.Errorf("expected 2 executed on retry, got %d", report.Executed)
	}

	if got := p.tok.BalanceOf(p.claimer); !got.Eq(uint256.NewInt(3000)) {
		t.Errorf("expected balance 3000, got %s", got.String())
	}
}

func TestExecuteBatchHonorsMaxItems(t *testing.T) {
	p := newPipeline(t, nil)

	for _, label := range []string{"a", "b", "c"} {
		ref := p.deposit(t, label, 1000)
		if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
			t.Fatalf("claim %s: %v", label, err)
		}
	}

	report, err := p.queue.ExecuteBatch(2)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	if report.Executed != 2 {
		t.Errorf("expected 2 executed, got %d", report.Executed)
	}

	if p.queue.PendingCount() != 1 {
		t.Errorf("expected 1 left pending, got %d", p.queue.PendingCount())
	}
}

func TestRedeem(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1_000_000)

	p.queue.ClaimMint(ref, p.claim(t, ref))
	if _, err := p.queue.ExecuteBatch(10); err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	dest := oracle.DeterministicKey("payout")

	if err := p.queue.Redeem(p.claimer, uint256.NewInt(400_000), dest); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if got := p.tok.BalanceOf(p.claimer); !got.Eq(uint256.NewInt(600_000)) {
		t.Errorf("expected balance 600000, got %s", got.String())
	}

	if got := p.policy.TotalBacking(); !got.Eq(uint256.NewInt(600_000)) {
		t.Errorf("expected backing 600000, got %s", got.String())
	}

	transfers := p.orc.Transfers()
	if len(transfers) != 1 || transfers[0].Dest != dest || !transfers[0].Amount.Eq(uint256.NewInt(400_000)) {
		t.Errorf("unexpected transfer records: %+v", transfers)
	}
}

func TestRedeemInsufficientBalance(t *testing.T) {
	p := newPipeline(t, nil)

	err := p.queue.Redeem(p.claimer, uint256.NewInt(1), [32]byte{1})
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRedeemSigned(t *testing.T) {
	p := newPipeline(t, nil)
	ref := p.deposit(t, "a", 1000)

	p.queue.ClaimMint(ref, p.claim(t, ref))
	if _, err := p.queue.ExecuteBatch(10); err != nil {
		t.Fatalf("execute batch: %v", err)
	}

	order := &RedeemOrder{
		Holder:    p.claimer,
		Amount:    uint256.NewInt(500),
		Dest:      oracle.DeterministicKey("payout"),
		ExpiresAt: p.clock.Now().Unix() + 60,
	}

	digest := RedeemOrderDigest(p.domain, order)
	order.Signature, _ = signing.Sign(digest, p.claimerKey)

	if err := p.queue.RedeemSigned(order); err != nil {
		t.Fatalf("redeem signed: %v", err)
	}

	if got := p.tok.BalanceOf(p.claimer); !got.Eq(uint256.NewInt(500)) {
		t.Errorf("expected balance 500, got %s", got.String())
	}
}

func TestRedeemSignedWrongSigner(t *testing.T) {
	p := newPipeline(t, nil)

	order := &RedeemOrder{
		Holder:    p.claimer,
		Amount:    uint256.NewInt(1),
		ExpiresAt: p.clock.Now().Unix() + 60,
	}

	otherKey, _ := crypto.GenerateKey()
	digest := RedeemOrderDigest(p.domain, order)
	order.Signature, _ = signing.Sign(digest, otherKey)

	if err := p.queue.RedeemSigned(order); !errors.Is(err, ErrInvalidClaimSignature) {
		t.Errorf("expected ErrInvalidClaimSignature, got %v", err)
	}
}

func TestRedeemSignedExpired(t *testing.T) {
	p := newPipeline(t, nil)

	order := &RedeemOrder{
		Holder:    p.claimer,
		Amount:    uint256.NewInt(1),
		ExpiresAt: p.clock.Now().Unix() - 1,
	}

	digest := RedeemOrderDigest(p.domain, order)
	order.Signature, _ = signing.Sign(digest, p.claimerKey)

	if err := p.queue.RedeemSigned(order); !errors.Is(err, ErrClaimExpired) {
		t.Errorf("expected ErrClaimExpired, got %v", err)
	}
}

func TestDepositIDBindsEveryField(t *testing.T) {
	base := DepositReference{
		SourceBlockHash: [32]byte{1},
		ExtrinsicIndex:  2,
		DepositorKey:    [32]byte{3},
		AssetID:         4,
		Amount:          uint256.NewInt(5),
	}

	ids := map[[32]byte]bool{base.DepositID(): true}

	variants := []DepositReference{base, base, base, base, base}
	variants[0].SourceBlockHash = [32]byte{9}
	variants[1].ExtrinsicIndex = 9
	variants[2].DepositorKey = [32]byte{9}
	variants[3].AssetID = 9
	variants[4].Amount = uint256.NewInt(9)

	for i, v := range variants {
		id := v.DepositID()
		if ids[id] {
			t.Errorf("variant %d collides with a prior deposit ID", i)
		}
		ids[id] = true
	}
}

func TestLoadRejectsItemWithoutConsumedMarker(t *testing.T) {
	db := newTestStorage(t)
	p := newPipeline(t, nil)

	item := &QueueItem{
		DepositID:     [32]byte{7},
		DepositAmount: uint256.NewInt(1000),
		MintAmount:    uint256.NewInt(1000),
		NAVAtClaim:    uint256.NewInt(navUnit),
		Status:        StatusPending,
	}

	// An item record without its consumed marker never happens through
	// ClaimMint; planting one simulates a corrupt store.
	if err := db.Set(itemKey(item.DepositID), encodeItem(item)); err != nil {
		t.Fatalf("plant item: %v", err)
	}

	if _, err := New(DefaultConfig(), p.domain, p.engine, p.ledger, p.policy, p.tok, p.orc, db); err == nil {
		t.Error("expected load to reject a pending item without its consumed marker")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	db := newTestStorage(t)

	p := newPipeline(t, db)
	ref := p.deposit(t, "a", 1000)

	if _, err := p.queue.ClaimMint(ref, p.claim(t, ref)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reopened, err := New(DefaultConfig(), p.domain, p.engine, p.ledger, p.policy, p.tok, p.orc, db)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	reopened.now = p.clock.Now

	if !reopened.IsConsumed(ref.DepositID()) {
		t.Error("consumed set lost across reopen")
	}

	if reopened.PendingCount() != 1 {
		t.Errorf("expected 1 restored pending item, got %d", reopened.PendingCount())
	}

	// The restored deposit is still blocked from re-claiming.
	if _, err := reopened.ClaimMint(ref, p.claim(t, ref)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed after reopen, got %v", err)
	}
}
