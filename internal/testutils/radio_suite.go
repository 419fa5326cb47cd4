package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/stretchr/testify/suite"
)

// RadioSuite is a testify suite with a fresh simulated controller and a
// running dispatcher per test.
//
// Embedding suites may adjust RadioOptions before calling SetupTest:
//
//	func (s *AdvSuite) SetupTest() {
//	    s.RadioOptions = simradio.DefaultOptions()
//	    s.RadioOptions.Features.ExtendedAdvertising = false
//	    s.RadioSuite.SetupTest()
//	}
type RadioSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	RadioOptions simradio.Options
	Radio        *simradio.Controller
	Dispatcher   *dispatcher.Dispatcher

	TestTimeout time.Duration
	cancel      context.CancelFunc
}

func (s *RadioSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

func (s *RadioSuite) SetupTest() {
	if s.Logger == nil {
		s.SetupSuite()
	}
	if s.RadioOptions.JournalSize == 0 {
		s.RadioOptions = simradio.DefaultOptions()
	}

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())

	s.Radio = simradio.New(s.RadioOptions, s.Logger)
	s.Dispatcher = dispatcher.New("test-dispatcher", s.Logger)
	s.Dispatcher.Start(ctx)
}

func (s *RadioSuite) TearDownTest() {
	s.Dispatcher.Stop()
	s.Radio.Close()
	s.cancel()
	s.RadioOptions = simradio.Options{}
}

// Settle waits until both the controller and the dispatcher have drained
// their queues twice, which is enough for completions re-posted by either.
func (s *RadioSuite) Settle() {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.Radio.Flush(ctx))
		s.Require().NoError(s.Dispatcher.Call(ctx, s.TestTimeout, func() {}))
	}
}

// EventuallyTrue polls cond until it holds or the suite timeout expires.
func (s *RadioSuite) EventuallyTrue(cond func() bool, msg string) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msg)
}
