package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/srg/blehost/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	evtLegacyAdvInd  = radio.ExtEvtLegacy | radio.ExtEvtConnectable | radio.ExtEvtScannable
	evtLegacyScanRsp = evtLegacyAdvInd | radio.ExtEvtScanResponse
	evtLegacyNonconn = radio.ExtEvtLegacy
	evtMoreData      = uint16(radio.DataIncompleteMore) << 5
)

type scanRecorder struct {
	NopObserver

	mu      sync.Mutex
	starts  []error
	stops   []error
	results []Result
	batches [][]Result
}

func (r *scanRecorder) OnStartOrStopScan(err error, start bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if start {
		r.starts = append(r.starts, err)
	} else {
		r.stops = append(r.stops, err)
	}
}

func (r *scanRecorder) OnScanResult(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *scanRecorder) OnBatchScanResults(rs []Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, rs)
}

func (r *scanRecorder) snapshot() (starts, stops []error, results []Result, batches [][]Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.starts...), append([]error(nil), r.stops...),
		append([]Result(nil), r.results...), append([][]Result(nil), r.batches...)
}

type scanSuite struct {
	testutils.RadioSuite

	scanner *Scanner
	rec     *scanRecorder
	ctx     context.Context

	peerA, peerB bt.PeerKey
}

func (s *scanSuite) SetupTest() {
	if s.RadioOptions.JournalSize == 0 {
		s.RadioOptions = simradio.DefaultOptions()
	}
	s.RadioSuite.SetupTest()
	s.ctx = context.Background()
	s.scanner = New(s.Radio, s.Radio, s.Dispatcher, DefaultOptions(), s.Logger)
	s.rec = &scanRecorder{}
	s.scanner.RegisterObserver(s.rec)

	s.peerA = bt.PeerKey{Type: bt.AddrPublic, Addr: bt.MustParseAddress("AA:BB:CC:DD:EE:01")}
	s.peerB = bt.PeerKey{Type: bt.AddrRandom, Addr: bt.MustParseAddress("C0:11:22:33:44:02")}
}

// startScan starts a session and discards the commands it issued.
func (s *scanSuite) startScan(st Settings) {
	s.Require().NoError(s.scanner.StartScanWithSettings(s.ctx, st))
	s.Settle()
	s.Require().Equal(StatusAlreadyStarted, s.scanner.ScanStatus())
	s.Radio.Journal()
}

func (s *scanSuite) inject(evt uint16, peer bt.PeerKey, rssi int8, data []byte) {
	s.Radio.InjectExtAdvReport(radio.ExtReport{
		EventType:  evt,
		Peer:       peer,
		RSSI:       rssi,
		PrimaryPHY: bt.PHY1M,
		Data:       data,
	})
}

// onDispatcher runs fn with the scanner state quiescent.
func (s *scanSuite) onDispatcher(fn func()) {
	s.Require().NoError(s.Dispatcher.Call(s.ctx, s.TestTimeout, fn))
}

func (s *ScannerTestSuite) TestStartScan_ExtendedAllPHYs() {
	st := DefaultSettings()
	st.PHY = ScanPHYAll
	s.Require().NoError(s.scanner.StartScanWithSettings(s.ctx, st))
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanParams", "detail": "[1M:8192/819 coded:8192/819]"},
		{"name": "SetExtScanEnable", "enable": true}
	]`)

	starts, _, _, _ := s.rec.snapshot()
	s.Require().Len(starts, 1)
	s.NoError(starts[0])
}

func (s *ScannerTestSuite) TestStartScan_LegacyOnlyUsesOnePHY() {
	st := DefaultSettings()
	st.Legacy = true
	st.PHY = ScanPHYCoded
	s.Require().NoError(s.scanner.StartScanWithSettings(s.ctx, st))
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanParams", "detail": "[1M:8192/819]"},
		{"name": "SetExtScanEnable", "enable": true}
	]`)
}

func (s *ScannerTestSuite) TestStartScan_DuplicateIssuesNoCommands() {
	s.startScan(DefaultSettings())

	err := s.scanner.StartScan(s.ctx)
	s.ErrorIs(err, bt.ErrAlreadyStarted)
	s.Settle()
	s.Empty(s.Radio.Journal())

	starts, _, _, _ := s.rec.snapshot()
	s.Require().Len(starts, 2)
	s.ErrorIs(starts[1], bt.ErrAlreadyStarted)
}

func (s *ScannerTestSuite) TestStartScan_InvalidSettings() {
	tests := []struct {
		name     string
		settings Settings
		code     bt.Code
	}{
		{"unknown mode", Settings{Mode: Mode(99)}, bt.CodeInvalidParam},
		{"negative delay", Settings{Mode: ModeBalanced, ReportDelay: -time.Second}, bt.CodeInvalidParam},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			err := s.scanner.StartScanWithSettings(s.ctx, tt.settings)
			s.Equal(tt.code, bt.CodeOf(err))
			s.Equal(StatusNotStarted, s.scanner.ScanStatus())
		})
	}
	s.Settle()
	s.Empty(s.Radio.Journal())
}

func (s *ScannerTestSuite) TestStartScan_ParamsFailure() {
	s.Radio.FailOn("SetExtScanParams", 1, bt.StatusBadParam)
	s.Require().NoError(s.scanner.StartScan(s.ctx))
	s.Settle()

	s.Equal(StatusNotStarted, s.scanner.ScanStatus())
	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[{"name": "SetExtScanParams"}]`)

	starts, _, _, _ := s.rec.snapshot()
	s.Require().Len(starts, 1)
	var be *bt.Error
	s.Require().True(errors.As(starts[0], &be))
	s.Equal(bt.OpSetExtScanParams, be.Op)
}

func (s *ScannerTestSuite) TestStopScan_NotStarted() {
	s.ErrorIs(s.scanner.StopScan(s.ctx), bt.ErrNotStarted)

	_, stops, _, _ := s.rec.snapshot()
	s.Require().Len(stops, 1)
	s.ErrorIs(stops[0], bt.ErrNotStarted)
}

func (s *ScannerTestSuite) TestStopScan_DuringParams() {
	// GOAL: Verify a stop requested while parameters are outstanding suppresses the enable
	//
	// TEST SCENARIO: hold params completion → stop → release → no enable(true) issued

	s.Radio.Hold("SetExtScanParams")
	s.Require().NoError(s.scanner.StartScan(s.ctx))
	s.Require().NoError(s.scanner.StopScan(s.ctx))
	s.Radio.Release()
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanParams"},
		{"name": "SetExtScanEnable", "enable": false}
	]`)
	s.Equal(StatusNotStarted, s.scanner.ScanStatus())
}

func (s *ScannerTestSuite) TestStopScan_DuringParamsNoDelayTimer() {
	// GOAL: Verify a stop during parameter setup leaves no report delay timer behind
	//
	// TEST SCENARIO: batched cadence, hold params → stop → release → no timer armed,
	// after several delays no second stop and no extra radio commands

	st := DefaultSettings()
	st.ReportDelay = 40 * time.Millisecond
	s.Radio.Hold("SetExtScanParams")
	s.Require().NoError(s.scanner.StartScanWithSettings(s.ctx, st))
	s.Require().NoError(s.scanner.StopScan(s.ctx))
	s.Radio.Release()
	s.Settle()

	s.onDispatcher(func() { s.Nil(s.scanner.delay) })

	time.Sleep(4 * st.ReportDelay)
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanParams"},
		{"name": "SetExtScanEnable", "enable": false}
	]`)
	_, stops, _, batches := s.rec.snapshot()
	s.Len(stops, 1)
	s.Empty(batches)
	s.Equal(StatusNotStarted, s.scanner.ScanStatus())
}

func (s *ScannerTestSuite) TestLegacyReassembly_AdvIndThenScanRsp() {
	// GOAL: Verify a scannable advertisement and its scan response merge into one result
	//
	// TEST SCENARIO: ADV_IND → no result, cache holds entry → SCAN_RSP → one result whose
	// payload is the concatenation, cache entry gone

	s.startScan(DefaultSettings())
	adv := testutils.NewAdvDataBuilder().WithFlags(0x06).WithServices("180F").Build()
	rsp := testutils.NewAdvDataBuilder().WithName("Sensor").Build()

	s.inject(evtLegacyAdvInd, s.peerA, -50, adv)
	s.Settle()
	_, _, results, _ := s.rec.snapshot()
	s.Empty(results)
	s.onDispatcher(func() { s.Equal(1, s.scanner.adCache.Len()) })

	s.inject(evtLegacyScanRsp, s.peerA, -48, rsp)
	s.Settle()

	_, _, results, _ = s.rec.snapshot()
	s.Require().Len(results, 1)
	res := results[0]
	s.Equal(s.peerA, res.Key)
	s.Equal(append(append([]byte(nil), adv...), rsp...), res.Record.Payload)
	s.Equal("Sensor", res.Name)
	s.True(res.Connectable)
	s.True(res.Legacy)
	s.Equal(int8(-48), res.RSSI)

	s.onDispatcher(func() {
		_, cached := s.scanner.adCache.Get(s.peerA.String())
		s.False(cached)
		s.Equal(0, s.scanner.adCache.Len())
	})
}

func (s *ScannerTestSuite) TestLegacyReassembly_NonScannableClosesImmediately() {
	s.startScan(DefaultSettings())

	s.inject(evtLegacyNonconn, s.peerB, -70, []byte{0x02, 0x01, 0x04})
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Require().Len(results, 1)
	s.False(results[0].Connectable)
	s.Equal(bt.AddrRandom, results[0].Key.Type)
}

func (s *ScannerTestSuite) TestLegacyReassembly_PassiveScanDoesNotWait() {
	st := DefaultSettings()
	st.Passive = true
	s.startScan(st)

	s.inject(evtLegacyAdvInd, s.peerA, -50, []byte{0x02, 0x01, 0x06})
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Len(results, 1)
}

func (s *ScannerTestSuite) TestAdCache_BoundedToSevenEntries() {
	s.startScan(DefaultSettings())

	for i := 0; i < 9; i++ {
		peer := bt.PeerKey{Addr: bt.Address{0x10, 0, 0, 0, 0, byte(i)}}
		s.inject(evtLegacyAdvInd, peer, -60, []byte{0x02, 0x01, 0x06})
	}
	s.Settle()

	s.onDispatcher(func() {
		s.Equal(adCacheSize, s.scanner.adCache.Len())
		_, oldest := s.scanner.adCache.Get(bt.PeerKey{Addr: bt.Address{0x10, 0, 0, 0, 0, 0}}.String())
		s.False(oldest, "oldest entry must be evicted first")
	})
	_, _, results, _ := s.rec.snapshot()
	s.Empty(results)
}

func (s *ScannerTestSuite) TestExtendedReassembly_Fragments() {
	// GOAL: Verify non-legacy fragments reassemble by address until the final status
	//
	// TEST SCENARIO: two "more data" fragments interleaved with another peer, then a complete
	// fragment → one result for the fragmented peer carrying all bytes in order

	s.startScan(DefaultSettings())
	payload := testutils.NewAdvDataBuilder().WithFlags(0x06).WithName("Extended").WithFiller(400).Build()
	s.Require().Len(payload, 400)

	s.inject(radio.ExtEvtConnectable|evtMoreData, s.peerA, -40, payload[:191])
	s.inject(radio.ExtEvtConnectable, s.peerB, -80, []byte{0x02, 0x01, 0x02})
	s.inject(radio.ExtEvtConnectable|evtMoreData, s.peerA, -40, payload[191:382])
	s.inject(radio.ExtEvtConnectable, s.peerA, -41, payload[382:])
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Require().Len(results, 2)
	s.Equal(s.peerB, results[0].Key)
	s.Equal(s.peerA, results[1].Key)
	s.Equal(payload, results[1].Record.Payload)
	s.Equal("Extended", results[1].Name)
	s.False(results[1].Legacy)

	s.onDispatcher(func() { s.Empty(s.scanner.fragments) })
}

func (s *ScannerTestSuite) TestExtendedReassembly_LegacyOnlyDropsExtendedPDUs() {
	st := DefaultSettings()
	st.Legacy = true
	s.startScan(st)

	s.inject(radio.ExtEvtConnectable, s.peerA, -40, []byte{0x02, 0x01, 0x06})
	s.inject(evtLegacyNonconn, s.peerB, -40, []byte{0x02, 0x01, 0x06})
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Require().Len(results, 1)
	s.Equal(s.peerB, results[0].Key)
}

func (s *ScannerTestSuite) TestDiscoveryMode_DropsFilteredDevices() {
	s.scanner.SetDiscoveryMode(bt.DiscoveryLimited)
	s.startScan(DefaultSettings())

	s.inject(evtLegacyNonconn, s.peerA, -40, []byte{0x02, 0x01, 0x06})
	s.inject(evtLegacyNonconn, s.peerB, -40, []byte{0x02, 0x01, 0x05})
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Require().Len(results, 1)
	s.Equal(s.peerB, results[0].Key)
	_, found := s.scanner.Result(s.peerA.Addr)
	s.False(found)
}

func (s *ScannerTestSuite) TestResults_MostRecentWins() {
	s.startScan(DefaultSettings())

	s.inject(evtLegacyNonconn, s.peerA, -70, testutils.NewAdvDataBuilder().WithName("first").Build())
	s.inject(evtLegacyNonconn, s.peerB, -60, nil)
	s.inject(evtLegacyNonconn, s.peerA, -30, testutils.NewAdvDataBuilder().WithName("second").Build())
	s.Settle()

	results, err := s.scanner.Results(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	s.Equal(s.peerB, results[0].Key)
	s.Equal(s.peerA, results[1].Key)
	s.Equal(int8(-30), results[1].RSSI)

	s.Equal("second", s.scanner.DeviceName(s.peerA.Addr))
	s.Equal(bt.DeviceTypeLE, s.scanner.DeviceType(s.peerA.Addr))
	addrType, ok := s.scanner.DeviceAddrType(s.peerB.Addr)
	s.True(ok)
	s.Equal(bt.AddrRandom, addrType)
	s.Equal(bt.DeviceTypeUnknown, s.scanner.DeviceType(bt.MustParseAddress("00:00:00:00:00:09")))

	want := []DeviceEventType{EventNew, EventNew, EventUpdated}
	for i, typ := range want {
		select {
		case ev := <-s.scanner.Events():
			s.Equal(typ, ev.Type, "event %d", i)
		case <-time.After(s.TestTimeout):
			s.FailNow("device event missing")
		}
	}

	s.Require().NoError(s.scanner.ClearScanResults(s.ctx))
	results, err = s.scanner.Results(s.ctx)
	s.Require().NoError(err)
	s.Empty(results)
	s.Empty(s.scanner.DeviceName(s.peerA.Addr))
}

func (s *ScannerTestSuite) TestBatchCadence_FlushOnDelayThenStop() {
	// GOAL: Verify all-matches cadence buffers results and flushes once the delay expires
	//
	// TEST SCENARIO: start with 80 ms report delay → reports → no per-result callback →
	// delay expires → one batch with deduplicated results → session stopped

	st := DefaultSettings()
	st.ReportDelay = 80 * time.Millisecond
	s.startScan(st)

	s.inject(evtLegacyNonconn, s.peerA, -70, nil)
	s.inject(evtLegacyNonconn, s.peerB, -60, nil)
	s.inject(evtLegacyNonconn, s.peerA, -50, nil)

	s.EventuallyTrue(func() bool {
		_, stops, _, _ := s.rec.snapshot()
		return len(stops) == 1
	}, "session did not stop after the report delay")
	s.Settle()

	_, stops, results, batches := s.rec.snapshot()
	s.NoError(stops[0])
	s.Empty(results)
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0], 2)
	s.Equal(s.peerB, batches[0][0].Key)
	s.Equal(int8(-50), batches[0][1].RSSI)
	s.Equal(StatusNotStarted, s.scanner.ScanStatus())

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanEnable", "enable": false}
	]`)
}

func (s *ScannerTestSuite) TestBatchCadence_FlushOnExplicitStop() {
	st := DefaultSettings()
	st.ReportDelay = time.Hour
	s.startScan(st)

	s.inject(evtLegacyNonconn, s.peerA, -70, nil)
	s.Settle()
	s.Require().NoError(s.scanner.StopScan(s.ctx))
	s.Settle()

	_, stops, _, batches := s.rec.snapshot()
	s.Require().Len(stops, 1)
	s.Require().Len(batches, 1)
	s.Len(batches[0], 1)
}

func (s *ScannerTestSuite) TestStartOrStop_ResolvingListPause() {
	// GOAL: Verify a resolving-list pause keeps the session started and resumes it
	//
	// TEST SCENARIO: started → pause → disable issued, status unchanged → resume → enable issued

	s.startScan(DefaultSettings())
	done := make(chan error, 2)

	s.Require().NoError(s.scanner.StartOrStopScan(StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Equal(StatusAlreadyStarted, s.scanner.ScanStatus())

	s.Require().NoError(s.scanner.StartOrStopScan(StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanEnable", "enable": false},
		{"name": "SetExtScanEnable", "enable": true}
	]`)
	_, stops, _, _ := s.rec.snapshot()
	s.Empty(stops, "a pause is not reported as a stop")
}

func (s *ScannerTestSuite) TestStartOrStop_StopAllEndsSession() {
	s.startScan(DefaultSettings())
	done := make(chan error, 2)

	s.Require().NoError(s.scanner.StartOrStopScan(StopAll, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Equal(StatusNotStarted, s.scanner.ScanStatus())

	// nothing to resume
	s.Require().NoError(s.scanner.StartOrStopScan(StopResolvingList, true, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetExtScanEnable", "enable": false}
	]`)
}

func (s *ScannerTestSuite) TestStartOrStop_IdleSessionCompletesImmediately() {
	done := make(chan error, 1)
	s.Require().NoError(s.scanner.StartOrStopScan(StopResolvingList, false, func(err error) { done <- err }))
	s.NoError(<-done)
	s.Settle()
	s.Empty(s.Radio.Journal())
}

type ScannerTestSuite struct {
	scanSuite
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}

// LegacyScannerTestSuite runs against a controller without extended support.
type LegacyScannerTestSuite struct {
	scanSuite
}

func (s *LegacyScannerTestSuite) SetupTest() {
	s.RadioOptions = simradio.DefaultOptions()
	s.RadioOptions.Features.ExtendedAdvertising = false
	s.scanSuite.SetupTest()
}

func (s *LegacyScannerTestSuite) TestLegacyController_Sequence() {
	st := DefaultSettings()
	st.Mode = ModeBalanced
	s.Require().NoError(s.scanner.StartScanWithSettings(s.ctx, st))
	s.Settle()

	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetScanParams", "detail": "interval=6553 window=1638 active=true"},
		{"name": "SetScanEnable", "enable": true}
	]`)

	s.Radio.InjectAdvReport(radio.LegacyReport{EventType: radio.AdvScanInd, Peer: s.peerA, RSSI: -40, Data: []byte{0x02, 0x01, 0x06}})
	s.Radio.InjectAdvReport(radio.LegacyReport{EventType: radio.ScanRsp, Peer: s.peerA, RSSI: -41, Data: []byte{0x03, 0x09, 'h', 'i'}})
	s.Settle()

	_, _, results, _ := s.rec.snapshot()
	s.Require().Len(results, 1)
	s.False(results[0].Connectable, "ADV_SCAN_IND is not connectable")
	s.Equal("hi", results[0].Name)

	s.Require().NoError(s.scanner.StopScan(s.ctx))
	s.Settle()
	testutils.NewJSONAsserter(s.T()).AssertJournal(s.Radio.Journal(), `[
		{"name": "SetScanEnable", "enable": false}
	]`)
}

func TestLegacyScannerTestSuite(t *testing.T) {
	suite.Run(t, new(LegacyScannerTestSuite))
}
