package allocator

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/core/events"
	nativecommon "creditpool/native/common"
	"creditpool/native/fixedpoint"
)

var (
	allocAccount   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	marketAccount  = common.HexToAddress("0x00000000000000000000000000000000000000B2")
	reserveAccount = common.HexToAddress("0x00000000000000000000000000000000000000C3")
	adminAccount   = common.HexToAddress("0x00000000000000000000000000000000000000D4")
	provider       = common.HexToAddress("0x00000000000000000000000000000000000000E5")
	borrowerPool   = common.HexToAddress("0x00000000000000000000000000000000000000F6")
)

type mockEngineState struct {
	pool       *State
	writedowns map[common.Address]*big.Int
	puts       int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{writedowns: make(map[common.Address]*big.Int)}
}

func (m *mockEngineState) GetPool() (*State, error) {
	return m.pool.Clone(), nil
}

func (m *mockEngineState) PutPool(st *State) error {
	m.pool = st.Clone()
	m.puts++
	return nil
}

func (m *mockEngineState) GetWritedown(pool common.Address) (*big.Int, error) {
	if amount, ok := m.writedowns[pool]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (m *mockEngineState) PutWritedown(pool common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		delete(m.writedowns, pool)
		return nil
	}
	m.writedowns[pool] = new(big.Int).Set(amount)
	return nil
}

type mockAsset struct {
	owner    common.Address
	balances map[common.Address]*big.Int
}

func newMockAsset(owner common.Address) *mockAsset {
	return &mockAsset{owner: owner, balances: make(map[common.Address]*big.Int)}
}

func (m *mockAsset) credit(addr common.Address, amount *big.Int) {
	current := m.balances[addr]
	if current == nil {
		current = big.NewInt(0)
	}
	m.balances[addr] = new(big.Int).Add(current, amount)
}

func (m *mockAsset) balance(addr common.Address) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockAsset) BalanceOf(addr common.Address) (*big.Int, error) {
	return m.balance(addr), nil
}

func (m *mockAsset) Transfer(to common.Address, amount *big.Int) error {
	return m.move(m.owner, to, amount)
}

func (m *mockAsset) TransferFrom(from, to common.Address, amount *big.Int) error {
	return m.move(from, to, amount)
}

func (m *mockAsset) move(from, to common.Address, amount *big.Int) error {
	bal := m.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return errors.New("insufficient balance")
	}
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.credit(to, amount)
	return nil
}

func (m *mockAsset) Approve(common.Address, *big.Int) error { return nil }

func (m *mockAsset) TotalSupply() (*big.Int, error) { return big.NewInt(0), nil }

func (m *mockAsset) Decimals() (uint8, error) { return 6, nil }

type mockClaims struct {
	balances map[common.Address]*big.Int
	supply   *big.Int
}

func newMockClaims() *mockClaims {
	return &mockClaims{balances: make(map[common.Address]*big.Int), supply: big.NewInt(0)}
}

func (m *mockClaims) MintTo(addr common.Address, amount *big.Int) error {
	current := m.balances[addr]
	if current == nil {
		current = big.NewInt(0)
	}
	m.balances[addr] = new(big.Int).Add(current, amount)
	m.supply = new(big.Int).Add(m.supply, amount)
	return nil
}

func (m *mockClaims) BurnFrom(addr common.Address, amount *big.Int) error {
	current := m.balances[addr]
	if current == nil || current.Cmp(amount) < 0 {
		return errors.New("burn exceeds balance")
	}
	m.balances[addr] = new(big.Int).Sub(current, amount)
	m.supply = new(big.Int).Sub(m.supply, amount)
	return nil
}

func (m *mockClaims) BalanceOf(addr common.Address) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockClaims) TotalSupply() (*big.Int, error) {
	return new(big.Int).Set(m.supply), nil
}

type mockRegistry struct {
	positions map[uint64]PositionInfo
	owners    map[uint64]common.Address
	pools     map[common.Address]bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		positions: make(map[uint64]PositionInfo),
		owners:    make(map[uint64]common.Address),
		pools:     make(map[common.Address]bool),
	}
}

func (m *mockRegistry) GetTokenInfo(positionID uint64) (PositionInfo, error) {
	info, ok := m.positions[positionID]
	if !ok {
		return PositionInfo{}, errors.New("unknown position")
	}
	return info, nil
}

func (m *mockRegistry) OwnerOf(positionID uint64) (common.Address, error) {
	owner, ok := m.owners[positionID]
	if !ok {
		return common.Address{}, errors.New("unknown position")
	}
	return owner, nil
}

func (m *mockRegistry) ValidPool(addr common.Address) (bool, error) {
	return m.pools[addr], nil
}

type mockCreditLine struct {
	daysLate uint64
	asOf     int64
}

func (m *mockCreditLine) DaysLate(asOf int64) (uint64, error) {
	m.asOf = asOf
	return m.daysLate, nil
}

type mockBorrowerPool struct {
	addr       common.Address
	asset      *mockAsset
	creditLine *mockCreditLine
	positionID uint64
	interest   *big.Int
	principal  *big.Int
	deposited  *big.Int
	tranche    uint64
}

func (m *mockBorrowerPool) Deposit(trancheID uint64, amount *big.Int) (uint64, error) {
	m.tranche = trancheID
	if err := m.asset.move(allocAccount, m.addr, amount); err != nil {
		return 0, err
	}
	m.deposited = new(big.Int).Set(amount)
	return m.positionID, nil
}

func (m *mockBorrowerPool) Withdraw(uint64, *big.Int) (*big.Int, *big.Int, error) {
	return nil, nil, errors.New("not used")
}

func (m *mockBorrowerPool) WithdrawMax(uint64) (*big.Int, *big.Int, error) {
	total := new(big.Int).Add(m.interest, m.principal)
	m.asset.credit(allocAccount, total)
	return new(big.Int).Set(m.interest), new(big.Int).Set(m.principal), nil
}

func (m *mockBorrowerPool) CreditLine() (CreditLine, error) {
	return m.creditLine, nil
}

type mockResolver struct {
	pools map[common.Address]BorrowerPool
}

func (m *mockResolver) BorrowerPool(addr common.Address) (BorrowerPool, error) {
	bp, ok := m.pools[addr]
	if !ok {
		return nil, errors.New("unknown pool")
	}
	return bp, nil
}

type fixedStrategy struct {
	amount *big.Int
}

func (s fixedStrategy) Invest(common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(s.amount), nil
}

func (s fixedStrategy) EstimateInvestment(common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(s.amount), nil
}

type grantAll struct{}

func (grantAll) Allowed(common.Address, nativecommon.Capability) bool { return true }

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(event events.Event) { c.events = append(c.events, event) }

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func stable(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), pow10(6))
}

func testConfig() *Config {
	return &Config{
		ReserveDenominator:      10,
		WithdrawFeeDenominator:  200,
		LatenessGracePeriodDays: 30,
		LatenessMaxDays:         120,
		ReserveAddress:          reserveAccount,
	}
}

type fixture struct {
	engine   *Engine
	state    *mockEngineState
	asset    *mockAsset
	claims   *mockClaims
	registry *mockRegistry
	resolver *mockResolver
	pool     *mockBorrowerPool
	emitter  *captureEmitter
	credit   *mockCreditLine
}

func newFixture(investAmount *big.Int) *fixture {
	asset := newMockAsset(allocAccount)
	state := newMockEngineState()
	claims := newMockClaims()
	registry := newMockRegistry()
	registry.pools[borrowerPool] = true
	credit := &mockCreditLine{}
	bp := &mockBorrowerPool{
		addr:       borrowerPool,
		asset:      asset,
		creditLine: credit,
		positionID: 7,
		interest:   big.NewInt(0),
		principal:  big.NewInt(0),
	}
	resolver := &mockResolver{pools: map[common.Address]BorrowerPool{borrowerPool: bp}}
	emitter := &captureEmitter{}

	engine := NewEngine(allocAccount)
	engine.SetState(state)
	engine.SetAsset(asset)
	engine.SetClaimToken(claims)
	engine.SetPositionRegistry(registry)
	engine.SetStrategy(fixedStrategy{amount: investAmount})
	engine.SetPoolResolver(resolver)
	engine.SetConfig(testConfig())
	engine.SetPolicy(grantAll{})
	engine.SetEmitter(emitter)

	return &fixture{
		engine:   engine,
		state:    state,
		asset:    asset,
		claims:   claims,
		registry: registry,
		resolver: resolver,
		pool:     bp,
		emitter:  emitter,
		credit:   credit,
	}
}

func (fx *fixture) deposit(t *testing.T, amount *big.Int) {
	t.Helper()
	fx.asset.credit(provider, amount)
	if _, err := fx.engine.Deposit(provider, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (fx *fixture) registerPosition(id uint64, owner common.Address, principal, redeemed *big.Int) {
	fx.registry.positions[id] = PositionInfo{
		Pool:              borrowerPool,
		PrincipalAmount:   principal,
		PrincipalRedeemed: redeemed,
	}
	fx.registry.owners[id] = owner
}

func TestInvestFundsSeniorTranche(t *testing.T) {
	fx := newFixture(stable(300_000))
	fx.deposit(t, stable(1_000_000))

	positionID, amount, err := fx.engine.Invest(adminAccount, borrowerPool)
	if err != nil {
		t.Fatalf("invest: %v", err)
	}
	if positionID != 7 {
		t.Fatalf("unexpected position id: %d", positionID)
	}
	if amount.Cmp(stable(300_000)) != 0 {
		t.Fatalf("unexpected amount: got %s", amount)
	}
	if fx.pool.tranche != 1 {
		t.Fatalf("expected senior tranche funding, got tranche %d", fx.pool.tranche)
	}
	if fx.asset.balance(borrowerPool).Cmp(stable(300_000)) != 0 {
		t.Fatalf("unexpected borrower pool balance: got %s", fx.asset.balance(borrowerPool))
	}
	if fx.state.pool.TotalLoansOutstanding.Cmp(stable(300_000)) != 0 {
		t.Fatalf("unexpected loans outstanding: got %s", fx.state.pool.TotalLoansOutstanding)
	}
}

func TestInvestRejectsUnapprovedPool(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(500_000))
	unknown := common.HexToAddress("0x0000000000000000000000000000000000000042")

	if _, _, err := fx.engine.Invest(adminAccount, unknown); !errors.Is(err, errInvalidPool) {
		t.Fatalf("expected errInvalidPool, got %v", err)
	}
}

func TestInvestRejectsZeroStrategyAmount(t *testing.T) {
	fx := newFixture(big.NewInt(0))
	fx.deposit(t, stable(500_000))

	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); !errors.Is(err, errZeroInvestment) {
		t.Fatalf("expected errZeroInvestment, got %v", err)
	}
	if fx.state.pool != nil && fx.state.pool.TotalLoansOutstanding != nil && fx.state.pool.TotalLoansOutstanding.Sign() != 0 {
		t.Fatalf("rejected invest recorded loans: %s", fx.state.pool.TotalLoansOutstanding)
	}
}

func TestEstimateInvestmentDoesNotMoveFunds(t *testing.T) {
	fx := newFixture(stable(250_000))
	fx.deposit(t, stable(500_000))

	estimate, err := fx.engine.EstimateInvestment(borrowerPool)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate.Cmp(stable(250_000)) != 0 {
		t.Fatalf("unexpected estimate: got %s", estimate)
	}
	if fx.asset.balance(allocAccount).Cmp(stable(500_000)) != 0 {
		t.Fatalf("estimate moved funds: balance %s", fx.asset.balance(allocAccount))
	}
}

func TestRedeemCollectsInterestAndPrincipal(t *testing.T) {
	fx := newFixture(stable(300_000))
	fx.deposit(t, stable(1_000_000))
	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); err != nil {
		t.Fatalf("invest: %v", err)
	}
	fx.registerPosition(7, allocAccount, stable(300_000), big.NewInt(0))
	fx.pool.interest = stable(10_000)
	fx.pool.principal = stable(50_000)

	if err := fx.engine.Redeem(7); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// Interest splits 1,000 to the reserve and 9,000 to the share price;
	// principal reduces the outstanding loan balance.
	if fx.asset.balance(reserveAccount).Cmp(stable(1_000)) != 0 {
		t.Fatalf("unexpected reserve cut: got %s", fx.asset.balance(reserveAccount))
	}
	if fx.state.pool.TotalLoansOutstanding.Cmp(stable(250_000)) != 0 {
		t.Fatalf("unexpected loans outstanding: got %s", fx.state.pool.TotalLoansOutstanding)
	}
	price, err := fx.engine.SharePrice()
	if err != nil {
		t.Fatalf("share price: %v", err)
	}
	expected := new(big.Int).Add(pow10(18), new(big.Int).Mul(big.NewInt(9), pow10(15)))
	if price.Cmp(expected) != 0 {
		t.Fatalf("unexpected share price: got %s want %s", price, expected)
	}
}

func TestRedeemRejectsEmptyPosition(t *testing.T) {
	fx := newFixture(stable(300_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, allocAccount, stable(300_000), big.NewInt(0))
	fx.pool.interest = big.NewInt(0)
	fx.pool.principal = big.NewInt(0)

	if err := fx.engine.Redeem(7); !errors.Is(err, errInvalidAmount) {
		t.Fatalf("expected errInvalidAmount, got %v", err)
	}
}

func TestWritedownAppliesLossDelta(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); err != nil {
		t.Fatalf("invest: %v", err)
	}
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 90

	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("writedown: %v", err)
	}

	// 90 days late on a 30/120 schedule writes down 66% of 100,000.
	recorded, err := fx.state.GetWritedown(borrowerPool)
	if err != nil {
		t.Fatalf("get writedown: %v", err)
	}
	if recorded.Cmp(stable(66_000)) != 0 {
		t.Fatalf("unexpected recorded writedown: got %s", recorded)
	}
	if fx.state.pool.TotalWritedowns.Cmp(stable(66_000)) != 0 {
		t.Fatalf("unexpected total writedowns: got %s", fx.state.pool.TotalWritedowns)
	}
	price, _ := fx.engine.SharePrice()
	expected := new(big.Int).Sub(pow10(18), new(big.Int).Mul(big.NewInt(66), pow10(15)))
	if price.Cmp(expected) != 0 {
		t.Fatalf("unexpected share price: got %s want %s", price, expected)
	}
}

func TestWritedownRecoveryRestoresValue(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); err != nil {
		t.Fatalf("invest: %v", err)
	}
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))

	fx.credit.daysLate = 90
	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("writedown: %v", err)
	}
	// The borrower catches up.
	fx.credit.daysLate = 0
	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("recovery writedown: %v", err)
	}

	recorded, _ := fx.state.GetWritedown(borrowerPool)
	if recorded.Sign() != 0 {
		t.Fatalf("expected cleared writedown, got %s", recorded)
	}
	if fx.state.pool.TotalWritedowns.Sign() != 0 {
		t.Fatalf("expected zero total writedowns, got %s", fx.state.pool.TotalWritedowns)
	}
	price, _ := fx.engine.SharePrice()
	if price.Cmp(pow10(18)) != 0 {
		t.Fatalf("expected restored share price, got %s", price)
	}
}

func TestWritedownNoopWhenCurrent(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 10

	putsBefore := fx.state.puts
	eventsBefore := len(fx.emitter.events)
	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("writedown: %v", err)
	}
	if fx.state.puts != putsBefore {
		t.Fatalf("no-op writedown persisted state")
	}
	if len(fx.emitter.events) != eventsBefore {
		t.Fatalf("no-op writedown emitted events")
	}
}

func TestWritedownRequiresPositionOwnership(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, provider, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 90

	if err := fx.engine.Writedown(7); !errors.Is(err, errNotPositionHolder) {
		t.Fatalf("expected errNotPositionHolder, got %v", err)
	}
}

func TestWritedownBoundedByLoansOutstanding(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 200

	// Nothing was invested through the engine, so outstanding loans are
	// zero and a full writedown would breach the bound.
	if err := fx.engine.Writedown(7); !errors.Is(err, errWritedownBound) {
		t.Fatalf("expected errWritedownBound, got %v", err)
	}
}

func TestWritedownUsesRemainingPrincipal(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); err != nil {
		t.Fatalf("invest: %v", err)
	}
	// Half the principal has already been redeemed.
	fx.registerPosition(7, allocAccount, stable(100_000), stable(50_000))
	fx.credit.daysLate = 200

	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("writedown: %v", err)
	}
	recorded, _ := fx.state.GetWritedown(borrowerPool)
	if recorded.Cmp(stable(50_000)) != 0 {
		t.Fatalf("unexpected writedown: got %s want %s", recorded, stable(50_000))
	}
}

func TestCalculateWritedownIsReadOnly(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 90

	putsBefore := fx.state.puts
	percent, amount, err := fx.engine.CalculateWritedown(7)
	if err != nil {
		t.Fatalf("calculate writedown: %v", err)
	}
	if percent != 66 {
		t.Fatalf("unexpected percent: got %d want 66", percent)
	}
	if amount.Cmp(stable(66_000)) != 0 {
		t.Fatalf("unexpected amount: got %s", amount)
	}
	if fx.state.puts != putsBefore {
		t.Fatalf("read-only calculation persisted state")
	}
	if recorded, _ := fx.state.GetWritedown(borrowerPool); recorded.Sign() != 0 {
		t.Fatalf("read-only calculation recorded a writedown: %s", recorded)
	}
}

func TestWritedownUsesInjectedClock(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	if _, _, err := fx.engine.CalculateWritedown(7); err != nil {
		t.Fatalf("calculate writedown: %v", err)
	}
	if fx.credit.asOf != 1_700_000_000 {
		t.Fatalf("unexpected lateness timestamp: got %d", fx.credit.asOf)
	}
}

func TestAssetsNetsWritedownsAgainstLoans(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); err != nil {
		t.Fatalf("invest: %v", err)
	}
	fx.registerPosition(7, allocAccount, stable(100_000), big.NewInt(0))
	fx.credit.daysLate = 90
	if err := fx.engine.Writedown(7); err != nil {
		t.Fatalf("writedown: %v", err)
	}

	total, err := fx.engine.Assets()
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	// 900,000 idle + 100,000 outstanding - 66,000 written down.
	if total.Cmp(stable(934_000)) != 0 {
		t.Fatalf("unexpected assets: got %s want %s", total, stable(934_000))
	}
}

func TestInvestRequiresCapability(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000_000))
	fx.engine.SetPolicy(nil)

	if _, _, err := fx.engine.Invest(adminAccount, borrowerPool); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPausedAllocatorRejectsMutations(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.engine.SetPauses(pausedView{})
	fx.asset.credit(provider, stable(100))

	if _, err := fx.engine.Deposit(provider, stable(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := fx.engine.Writedown(7); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for writedown, got %v", err)
	}
}

type pausedView struct{}

func (pausedView) IsPaused(module string) bool { return module == "allocator" }

func TestSaturatedSharePriceIsNotResurrected(t *testing.T) {
	fx := newFixture(stable(100_000))
	fx.deposit(t, stable(1_000))

	loss := new(big.Int).Neg(stable(5_000))
	if err := fx.engine.DistributeLosses(adminAccount, loss); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if fx.state.pool.SharePrice.Sign() != 0 {
		t.Fatalf("expected stored price to saturate at zero, got %s", fx.state.pool.SharePrice)
	}

	// The zero price is a total loss, not an unset marker: it survives
	// the next read and blocks pricing new deposits against dead shares.
	price, err := fx.engine.SharePrice()
	if err != nil {
		t.Fatalf("share price: %v", err)
	}
	if price.Sign() != 0 {
		t.Fatalf("saturated price resurrected: got %s", price)
	}
	fx.asset.credit(provider, stable(1_000))
	if _, err := fx.engine.Deposit(provider, stable(1_000)); !errors.Is(err, fixedpoint.ErrNoOutstandingShares) {
		t.Fatalf("expected deposit rejection at zero price, got %v", err)
	}
}
