package advertiser_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/blehost/advertiser"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type startResult struct {
	handle advertiser.Handle
	err    error
}

type recorder struct {
	advertiser.NopObserver

	starts chan startResult
	stops  chan startResult

	mu        sync.Mutex
	autoStops []advertiser.Handle
	states    []bool
}

func newRecorder() *recorder {
	return &recorder{starts: make(chan startResult, 32), stops: make(chan startResult, 32)}
}

func (r *recorder) OnStartResult(h advertiser.Handle, err error) {
	r.starts <- startResult{h, err}
}

func (r *recorder) OnStopResult(h advertiser.Handle, err error) {
	r.stops <- startResult{h, err}
}

func (r *recorder) OnAutoStop(h advertiser.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoStops = append(r.autoStops, h)
}

func (r *recorder) OnAdvertisingStateChanged(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, on)
}

func (r *recorder) autoStopped() []advertiser.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]advertiser.Handle(nil), r.autoStops...)
}

type advSuite struct {
	testutils.RadioSuite

	identity advertiser.StaticIdentity
	options  advertiser.Options
	adv      *advertiser.Advertiser
	rec      *recorder
	ctx      context.Context
}

func (s *advSuite) SetupTest() {
	s.RadioOptions = simradio.DefaultOptions()
	s.RadioOptions.Features.MaxAdvDataLength = 512
	s.setup()
}

func (s *advSuite) setup() {
	s.RadioSuite.SetupTest()
	s.ctx = context.Background()
	s.identity = advertiser.StaticIdentity{Policy: bt.AddressRPA, IRK: [16]byte{1, 2, 3, 4}}
	if s.options.RotationPeriod == 0 {
		s.options = advertiser.DefaultOptions()
	}
	s.adv = advertiser.New(s.Radio, s.Dispatcher, &s.identity, s.options, s.Logger)
	s.rec = newRecorder()
	s.adv.RegisterObserver(s.rec)
}

func (s *advSuite) TearDownTest() {
	s.RadioSuite.TearDownTest()
	s.options = advertiser.Options{}
}

func (s *advSuite) waitStart() startResult {
	select {
	case r := <-s.rec.starts:
		return r
	case <-time.After(s.TestTimeout):
		s.FailNow("start result was not reported")
	}
	return startResult{}
}

func (s *advSuite) waitStop() startResult {
	select {
	case r := <-s.rec.stops:
		return r
	case <-time.After(s.TestTimeout):
		s.FailNow("stop result was not reported")
	}
	return startResult{}
}

func (s *advSuite) extSettings() advertiser.Settings {
	st := advertiser.DefaultSettings()
	st.Legacy = false
	return st
}

func (s *advSuite) startOK(st advertiser.Settings, adv, rsp []byte) advertiser.Handle {
	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.adv.StartAdvertising(s.ctx, h, st, adv, rsp))
	res := s.waitStart()
	s.Require().NoError(res.err)
	s.Require().Equal(h, res.handle)
	return h
}

func (s *AdvertiserSuite) TestExtendedStart_FragmentedPayloadWithRPA() {
	// GOAL: Verify the extended pipeline order for a fragmented payload under an RPA address policy
	//
	// TEST SCENARIO: start 300-byte payload on fresh handle → params, first/last data fragments,
	// RPA generation, per-set random address, enable → success reported

	payload := testutils.NewAdvDataBuilder().WithFlags(0x06).WithFiller(300).Build()
	h := s.startOK(s.extSettings(), payload, nil)

	s.Equal(uint8(0), h.ID)
	s.Equal(advertiser.StatusAlreadyStarted, s.adv.AdvertisingStatus())

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvParams", "handle": 0},
		{"name": "SetExtAdvData", "handle": 0, "fragment": "first", "length": 191},
		{"name": "SetExtAdvData", "handle": 0, "fragment": "last", "length": 112},
		{"name": "GenerateRPA"},
		{"name": "SetExtAdvRandomAddr", "handle": 0, "address": "<<PRESENCE>>"},
		{"name": "SetExtAdvEnable", "handle": 0, "enable": true}
	]`)

	status, ok := s.adv.HandleStatus(s.ctx, h)
	s.True(ok)
	s.Equal(advertiser.StatusAlreadyStarted, status)
}

func (s *AdvertiserSuite) TestExtendedStart_PublicPolicySkipsRPA() {
	s.identity.Policy = bt.AddressPublic
	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvParams"},
		{"name": "SetExtAdvData", "fragment": "complete"},
		{"name": "SetExtAdvEnable", "enable": true}
	]`)
}

func (s *AdvertiserSuite) TestExtendedStart_NonConnectableUsesScanResponse() {
	s.identity.Policy = bt.AddressPublic
	st := s.extSettings()
	st.Connectable = false
	s.startOK(st, nil, []byte{0x03, 0xFF, 0x01, 0x02})

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvParams"},
		{"name": "SetExtScanRspData", "fragment": "complete", "length": 4},
		{"name": "SetExtAdvEnable", "enable": true}
	]`)
}

func (s *AdvertiserSuite) TestExtendedStart_FailureReleasesHandle() {
	// GOAL: Verify a radio failure before the enable acknowledgement releases the handle
	//
	// TEST SCENARIO: last data fragment fails → start result carries the failing opcode →
	// handle unknown → next allocation reuses the controller handle with a new generation

	s.Radio.FailOn("SetExtAdvData", 2, bt.StatusFailed)

	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	payload := testutils.NewAdvDataBuilder().WithFiller(300).Build()
	s.Require().NoError(s.adv.StartAdvertising(s.ctx, h, s.extSettings(), payload, nil))

	res := s.waitStart()
	s.Require().Error(res.err)
	s.ErrorIs(res.err, bt.ErrInternal)
	var btErr *bt.Error
	s.Require().ErrorAs(res.err, &btErr)
	s.Equal(bt.OpSetExtAdvData, btErr.Op)

	_, ok := s.adv.HandleStatus(s.ctx, h)
	s.False(ok, "failed handle MUST be released")
	s.Equal(advertiser.StatusNotStarted, s.adv.AdvertisingStatus())
	s.Zero(s.Radio.Calls("SetExtAdvEnable"))

	next, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Equal(h.ID, next.ID)
	s.NotEqual(h.Gen, next.Gen)
	s.ErrorIs(s.adv.StartAdvertising(s.ctx, h, s.extSettings(), nil, nil), bt.ErrInvalidParam, "stale handle MUST be rejected")
}

func (s *AdvertiserSuite) TestExtendedStart_RandomAddressFailureReleasesHandle() {
	s.Radio.FailOn("SetExtAdvRandomAddr", 1, bt.StatusFailed)

	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.adv.StartAdvertising(s.ctx, h, s.extSettings(), []byte{0x02, 0x01, 0x06}, nil))

	res := s.waitStart()
	s.ErrorIs(res.err, bt.ErrInternal)
	_, ok := s.adv.HandleStatus(s.ctx, h)
	s.False(ok)
}

func (s *AdvertiserSuite) TestStart_ValidationErrors() {
	// GOAL: Verify validation errors are returned synchronously before any radio command
	//
	// TEST SCENARIO: invalid inputs → matching error code → start result reported → journal empty

	primary2M := s.extSettings()
	primary2M.PrimaryPHY = bt.PHY2M

	tests := []struct {
		name     string
		settings advertiser.Settings
		adv      []byte
		rsp      []byte
		want     error
	}{
		{name: "legacy payload over 31 bytes", settings: advertiser.DefaultSettings(), adv: make([]byte, 32), want: bt.ErrDataTooLarge},
		{name: "legacy scan response over 31 bytes", settings: advertiser.DefaultSettings(), rsp: make([]byte, 32), want: bt.ErrDataTooLarge},
		{name: "extended payload over controller max", settings: s.extSettings(), adv: make([]byte, 513), want: bt.ErrDataTooLarge},
		{name: "invalid flags", settings: advertiser.DefaultSettings(), adv: []byte{0x02, 0x01, 0x20}, want: bt.ErrInvalidParam},
		{name: "2M primary PHY", settings: primary2M, want: bt.ErrInvalidParam},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
			s.Require().NoError(err)
			defer func() { s.Require().NoError(s.adv.Close(s.ctx, h)) }()

			err = s.adv.StartAdvertising(s.ctx, h, tt.settings, tt.adv, tt.rsp)
			s.ErrorIs(err, tt.want)
			s.ErrorIs(s.waitStart().err, tt.want)
			s.Empty(s.Radio.Journal(), "validation failure MUST NOT reach the radio")
		})
	}
}

func (s *AdvertiserSuite) TestStart_LegacyPayloadAtLimitAccepted() {
	s.identity.Policy = bt.AddressPublic
	st := advertiser.DefaultSettings()
	s.startOK(st, testutils.NewAdvDataBuilder().WithFiller(31).Build(), nil)

	cmds := s.Radio.Journal()
	s.Require().NotEmpty(cmds)
	for _, c := range cmds {
		if c.Name == "SetExtAdvData" {
			s.Equal(31, c.Length)
		}
	}
}

func (s *AdvertiserSuite) TestStart_DuplicateStartIsRejectedWithoutRadioCommands() {
	// GOAL: Verify a second start on a started handle reports AlreadyStarted and issues nothing
	//
	// TEST SCENARIO: start → drain journal → start again → ErrAlreadyStarted → journal empty

	h := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Radio.Journal()

	err := s.adv.StartAdvertising(s.ctx, h, s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.ErrorIs(err, bt.ErrAlreadyStarted)
	s.ErrorIs(s.waitStart().err, bt.ErrAlreadyStarted)

	s.Settle()
	s.Empty(s.Radio.Journal())

	status, _ := s.adv.HandleStatus(s.ctx, h)
	s.Equal(advertiser.StatusAlreadyStarted, status, "existing state MUST be unchanged")
}

func (s *AdvertiserSuite) TestStart_UnsupportedPHY() {
	s.TearDownTest()
	s.RadioOptions = simradio.DefaultOptions()
	s.RadioOptions.Features.LECodedPHY = false
	s.setup()

	st := s.extSettings()
	st.PrimaryPHY = bt.PHYCoded

	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	err = s.adv.StartAdvertising(s.ctx, h, st, nil, nil)
	s.ErrorIs(err, bt.ErrFeatureUnsupported)
	s.Empty(s.Radio.Journal())
}

func (s *AdvertiserSuite) TestCreateHandle_Exhaustion() {
	for i := 0; i < s.RadioOptions.Features.MaxAdvSets; i++ {
		h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
		s.Require().NoError(err)
		s.Equal(uint8(i), h.ID)
	}

	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.ErrorIs(err, bt.ErrTooManyAdvertisers)
	s.False(h.Valid())
}

func (s *AdvertiserSuite) TestStop_ReleasesExtendedSet() {
	h := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Radio.Journal()

	s.Require().NoError(s.adv.StopAdvertising(s.ctx, h))
	res := s.waitStop()
	s.NoError(res.err)
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvEnable", "handle": 0, "enable": false},
		{"name": "RemoveAdvSet", "handle": 0}
	]`)
	_, ok := s.adv.HandleStatus(s.ctx, h)
	s.False(ok)
	s.Equal(advertiser.StatusNotStarted, s.adv.AdvertisingStatus())

	s.ErrorIs(s.adv.StopAdvertising(s.ctx, h), bt.ErrInvalidParam)
}

func (s *AdvertiserSuite) TestStop_NotStarted() {
	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.ErrorIs(s.adv.StopAdvertising(s.ctx, h), bt.ErrNotStarted)
}

func (s *AdvertiserSuite) TestStopDuringPipelineShortCircuits() {
	// GOAL: Verify a stop issued while the pipeline is in flight prevents the enable step
	// and still completes the start with a failure
	//
	// TEST SCENARIO: hold params completion → stop → start result fails with the aggregate start
	// opcode → release → stop succeeds → no enable(true) is issued → no second start result

	s.Radio.Hold("SetExtAdvParams")
	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.adv.StartAdvertising(s.ctx, h, s.extSettings(), []byte{0x02, 0x01, 0x06}, nil))
	s.Require().NoError(s.adv.StopAdvertising(s.ctx, h))

	res := s.waitStart()
	s.Equal(h, res.handle)
	s.ErrorIs(res.err, bt.ErrInternal)
	var btErr *bt.Error
	s.Require().ErrorAs(res.err, &btErr)
	s.Equal(bt.OpStartAdvertising, btErr.Op)

	s.Radio.Release()
	s.NoError(s.waitStop().err)
	s.Settle()
	s.Empty(s.rec.starts, "start result MUST be reported once")

	for _, c := range s.Radio.Journal() {
		if c.Name == "SetExtAdvEnable" {
			s.False(*c.Enable, "set MUST NOT be re-enabled after stop")
		}
		s.NotEqual("SetExtAdvData", c.Name)
	}
}

func (s *AdvertiserSuite) TestStopAll_ReportsAutoStop() {
	s.identity.Policy = bt.AddressPublic
	h0 := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	h1 := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Radio.Journal()

	done := make(chan error, 1)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopAll, false, func(err error) { done <- err }))
	s.NoError(<-done)

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvEnable", "enable": false, "detail": "sets=[0 1]"}
	]`)
	s.ElementsMatch([]advertiser.Handle{h0, h1}, s.rec.autoStopped())
	s.Equal(advertiser.StatusNotStarted, s.adv.AdvertisingStatus())
}

func (s *AdvertiserSuite) TestResolvingListPause_KeepsStatusAndResumes() {
	// GOAL: Verify a resolving-list pause keeps sets started and re-enables them together
	//
	// TEST SCENARIO: stop all (resolving list) → status unchanged → start all → enable(true) for every set

	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Radio.Journal()

	done := make(chan error, 2)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Equal(advertiser.StatusAlreadyStarted, s.adv.AdvertisingStatus())

	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtAdvEnable", "enable": false},
		{"name": "SetExtAdvEnable", "enable": true}
	]`)
	s.Empty(s.rec.autoStopped())
}

func (s *AdvertiserSuite) TestStartOrStopAll_NoSetsCompletesImmediately() {
	done := make(chan error, 1)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopAll, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Empty(s.Radio.Journal())
}

func (s *AdvertiserSuite) TestAdvSetTerminated_ReEnables() {
	s.identity.Policy = bt.AddressPublic
	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	before := s.Radio.Calls("SetExtAdvEnable")

	s.Radio.InjectAdvSetTerminated(0, 0x40)
	s.EventuallyTrue(func() bool { return s.Radio.Calls("SetExtAdvEnable") == before+1 }, "set MUST be re-enabled")
}

func (s *AdvertiserSuite) TestClearAll() {
	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Radio.Journal()

	s.Require().NoError(s.adv.ClearAll(s.ctx))
	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[{"name": "ClearAdvSets"}]`)
	s.Equal(advertiser.StatusNotStarted, s.adv.AdvertisingStatus())
}

type AdvertiserSuite struct {
	advSuite
}

func TestAdvertiserSuite(t *testing.T) {
	suite.Run(t, new(AdvertiserSuite))
}

type RotationSuite struct {
	advSuite
}

func (s *RotationSuite) SetupTest() {
	s.options = advertiser.Options{RotationPeriod: 40 * time.Millisecond, WaitTimeout: time.Second}
	s.advSuite.SetupTest()
}

func (s *RotationSuite) TestRotation_Reschedules() {
	// GOAL: Verify the RPA rotation timer disables, readdresses and re-enables the set repeatedly
	//
	// TEST SCENARIO: start with RPA policy → wait two periods → GenerateRPA issued at least three times

	h := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.EventuallyTrue(func() bool { return s.Radio.Calls("GenerateRPA") >= 3 }, "rotation MUST reschedule")

	status, _ := s.adv.HandleStatus(s.ctx, h)
	s.Equal(advertiser.StatusAlreadyStarted, status)
	s.Require().NoError(s.adv.StopAdvertising(s.ctx, h))
	s.NoError(s.waitStop().err)
}

func (s *RotationSuite) TestRotation_FailureMarksHandle() {
	s.Radio.FailOn("SetExtAdvRandomAddr", 2, bt.StatusFailed)

	h := s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)

	res := s.waitStart()
	s.ErrorIs(res.err, bt.ErrInternal)
	status, ok := s.adv.HandleStatus(s.ctx, h)
	s.True(ok)
	s.Equal(advertiser.StatusFailedRotation, status)

	calls := s.Radio.Calls("GenerateRPA")
	time.Sleep(3 * s.options.RotationPeriod)
	s.Equal(calls, s.Radio.Calls("GenerateRPA"), "failed rotation MUST NOT reschedule")
}

func (s *RotationSuite) TestResolvingListPause_PublicPolicyDoesNotRotate() {
	// GOAL: Verify resuming after a resolving-list pause does not start address rotation
	// for a set that never rotated
	//
	// TEST SCENARIO: public policy → start → pause → resume → several periods pass →
	// no RPA generated and no per-set random address written

	s.identity.Policy = bt.AddressPublic
	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)

	done := make(chan error, 2)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)

	time.Sleep(5 * s.options.RotationPeriod)
	s.Settle()
	s.Zero(s.Radio.Calls("GenerateRPA"))
	s.Zero(s.Radio.Calls("SetExtAdvRandomAddr"))
}

func (s *RotationSuite) TestResolvingListPause_RPAResumesRotation() {
	s.startOK(s.extSettings(), []byte{0x02, 0x01, 0x06}, nil)

	done := make(chan error, 2)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)

	before := s.Radio.Calls("SetExtAdvRandomAddr")
	s.EventuallyTrue(func() bool { return s.Radio.Calls("SetExtAdvRandomAddr") >= before+2 }, "rotation MUST resume after the pause")
}

func TestRotationSuite(t *testing.T) {
	suite.Run(t, new(RotationSuite))
}

type LegacySuite struct {
	advSuite
}

func (s *LegacySuite) SetupTest() {
	s.RadioOptions = simradio.DefaultOptions()
	s.RadioOptions.Features.ExtendedAdvertising = false
	s.RadioOptions.Features.MaxAdvSets = 0
	s.setup()
	s.identity.Policy = bt.AddressPublic
	s.identity.Name = "blehost"
}

func (s *LegacySuite) TestLegacyStart_PipelineOrder() {
	// GOAL: Verify the legacy pipeline runs params, tx power, data, scan response, enable in order
	//
	// TEST SCENARIO: start on handle 0 → journal shows the five commands → payload gains name and tx power

	h := s.startOK(advertiser.DefaultSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.Equal(uint8(0), h.ID)

	cmds := s.Radio.Journal()
	testutils.NewJSONAsserter(s.T()).AssertJournal(cmds, `[
		{"name": "SetAdvParams", "detail": "type=ADV_IND interval=160-240"},
		{"name": "ReadAdvTxPower"},
		{"name": "SetAdvData", "length": 15},
		{"name": "SetScanRspData", "length": 9},
		{"name": "SetAdvEnable", "enable": true}
	]`)
	s.Equal("0201060809626c65686f7374020af9", simradio.HexData(cmds[2]))
}

func (s *LegacySuite) TestLegacyStart_SingleHandle() {
	h1, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	h2, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Equal(h1, h2, "legacy controller MUST expose a single handle")
}

func (s *LegacySuite) TestLegacyStart_DuplicateStart() {
	h := s.startOK(advertiser.DefaultSettings(), nil, nil)
	s.Radio.Journal()

	s.ErrorIs(s.adv.StartAdvertising(s.ctx, h, advertiser.DefaultSettings(), nil, nil), bt.ErrAlreadyStarted)
	s.Settle()
	s.Empty(s.Radio.Journal())
}

func (s *LegacySuite) TestLegacyStart_FailureKeepsHandle() {
	s.Radio.FailOn("SetScanRspData", 1, bt.StatusBusy)

	h, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.adv.StartAdvertising(s.ctx, h, advertiser.DefaultSettings(), nil, nil))

	res := s.waitStart()
	var btErr *bt.Error
	s.Require().ErrorAs(res.err, &btErr)
	s.Equal(bt.OpSetScanRspData, btErr.Op)

	status, ok := s.adv.HandleStatus(s.ctx, h)
	s.True(ok)
	s.Equal(advertiser.StatusFailedInternal, status)
	s.Zero(s.Radio.Calls("SetAdvEnable"))
}

func (s *LegacySuite) TestPeripheralConnection_RestartsAdvertising() {
	s.startOK(advertiser.DefaultSettings(), nil, nil)
	before := s.Radio.Calls("SetAdvEnable")

	s.adv.OnPeripheralConnected()
	s.EventuallyTrue(func() bool { return s.Radio.Calls("SetAdvEnable") == before+1 }, "legacy advertising MUST restart")
}

func (s *LegacySuite) TestLegacyStop_KeepsHandleForReuse() {
	h := s.startOK(advertiser.DefaultSettings(), nil, nil)
	s.Require().NoError(s.adv.StopAdvertising(s.ctx, h))
	s.NoError(s.waitStop().err)

	next, err := s.adv.CreateAdvertiserSetHandle(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint8(0), next.ID)
	s.Zero(s.Radio.Calls("RemoveAdvSet"))
}

func TestLegacySuite(t *testing.T) {
	suite.Run(t, new(LegacySuite))
}

type LegacyRotationSuite struct {
	advSuite
}

func (s *LegacyRotationSuite) SetupTest() {
	s.options = advertiser.Options{RotationPeriod: 40 * time.Millisecond, WaitTimeout: time.Second}
	s.RadioOptions = simradio.DefaultOptions()
	s.RadioOptions.Features.ExtendedAdvertising = false
	s.RadioOptions.Features.MaxAdvSets = 0
	s.setup()
}

// assertLegacyOnly fails if any extended advertising command reached the controller.
func (s *LegacyRotationSuite) assertLegacyOnly(cmds []simradio.Command) {
	for _, c := range cmds {
		s.NotContains(c.Name, "SetExt", "legacy controller MUST NOT receive %s", c.Name)
	}
}

func (s *LegacyRotationSuite) TestLegacyRotation_UsesLegacyCommands() {
	// GOAL: Verify the legacy advertising instance rotates its resolvable private address
	//
	// TEST SCENARIO: legacy controller, RPA policy → start → one period passes → disable,
	// RPA generation, controller random address, enable → no extended commands

	h := s.startOK(advertiser.DefaultSettings(), []byte{0x02, 0x01, 0x06}, nil)
	s.assertLegacyOnly(s.Radio.Journal())

	s.EventuallyTrue(func() bool { return s.Radio.Calls("SetAdvEnable") >= 3 }, "rotation MUST re-enable the legacy instance")

	cmds := s.Radio.Journal()
	s.Require().GreaterOrEqual(len(cmds), 4)
	testutils.NewJSONAsserter(s.T()).AssertJournal(cmds[:4], `[
		{"name": "SetAdvEnable", "enable": false},
		{"name": "GenerateRPA"},
		{"name": "SetRandomAddress", "address": "<<PRESENCE>>"},
		{"name": "SetAdvEnable", "enable": true}
	]`)
	s.assertLegacyOnly(cmds)

	status, _ := s.adv.HandleStatus(s.ctx, h)
	s.Equal(advertiser.StatusAlreadyStarted, status)
	s.Require().NoError(s.adv.StopAdvertising(s.ctx, h))
	s.NoError(s.waitStop().err)
}

func (s *LegacyRotationSuite) TestLegacyRotation_ResolvingListPause() {
	s.startOK(advertiser.DefaultSettings(), []byte{0x02, 0x01, 0x06}, nil)

	done := make(chan error, 2)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Require().NoError(s.adv.StartOrStopAll(advertiser.StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)

	before := s.Radio.Calls("SetRandomAddress")
	s.EventuallyTrue(func() bool { return s.Radio.Calls("SetRandomAddress") >= before+2 }, "rotation MUST resume after the pause")
	s.assertLegacyOnly(s.Radio.Journal())
}

func TestLegacyRotationSuite(t *testing.T) {
	suite.Run(t, new(LegacyRotationSuite))
}
