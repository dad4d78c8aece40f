package nats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const NATS_IMAGE = "nats:2.11.4"

type BackendSuite struct {
	suite.Suite
	natsC          testcontainers.Container
	natsConnection *nats.Conn
	backend        *Backend
}

func (s *BackendSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        NATS_IMAGE,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"-js", "-m", "8222"},
		WaitingFor:   wait.ForHTTP("/healthz").WithPort("8222/tcp"),
	}
	var err error
	s.natsC, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err, "could not start NATS")

	endpoint, err := s.natsC.Endpoint(ctx, "4222/tcp")
	s.Require().NoError(err)

	s.natsConnection, err = SetupNatsConnection(ConnectionConfig{URL: "nats://" + endpoint})
	s.Require().NoError(err)

	s.backend, err = NewBackend(ctx, s.natsConnection, StreamOptions{
		StreamName:         "DEVICE_LOGS_TEST",
		MaxMsgsPerDevice:   5,
		MaxAge:             time.Hour,
		Replicas:           1,
		SubscriptionBuffer: 16,
	})
	s.Require().NoError(err)
}

func (s *BackendSuite) TearDownSuite() {
	ctx := context.Background()
	if s.backend != nil {
		_ = s.backend.Close()
	}
	if s.natsConnection != nil {
		s.natsConnection.Close()
	}
	if s.natsC != nil {
		if err := s.natsC.Terminate(ctx); err != nil {
			s.T().Logf("failed to terminate NATS container: %v", err)
		}
	}
}

func natsLines(from, to int) []devicelogs.InternalLog {
	out := make([]devicelogs.InternalLog, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, devicelogs.InternalLog{
			NanoTimestamp: uint64(1700000000000000000 + i),
			CreatedAt:     int64(1700000000000 + i),
			Timestamp:     int64(1700000000000 + i),
			Message:       fmt.Sprintf("line %d", i),
		})
	}
	return out
}

func natsMessages(logs []devicelogs.OutputLog) []string {
	out := make([]string, len(logs))
	for i, log := range logs {
		out[i] = log.Message
	}
	return out
}

func (s *BackendSuite) TestHistoryOfUnknownDeviceIsEmpty() {
	lc := devicelogs.LogContext{ID: 100, RetentionLimit: 5}
	logs, err := s.backend.History(context.Background(), lc, devicelogs.HistoryOptions{Count: devicelogs.Unbounded})
	s.Require().NoError(err)
	s.Empty(logs)
}

func (s *BackendSuite) TestPublishAndHistory() {
	ctx := context.Background()
	lc := devicelogs.LogContext{ID: 101, RetentionLimit: 5}

	s.Require().NoError(s.backend.Publish(ctx, lc, natsLines(0, 3)))

	logs, err := s.backend.History(ctx, lc, devicelogs.HistoryOptions{Count: devicelogs.Unbounded})
	s.Require().NoError(err)
	s.Equal([]string{"line 0", "line 1", "line 2"}, natsMessages(logs))

	logs, err = s.backend.History(ctx, lc, devicelogs.HistoryOptions{Count: 1})
	s.Require().NoError(err)
	s.Equal([]string{"line 2"}, natsMessages(logs))

	logs, err = s.backend.History(ctx, lc, devicelogs.HistoryOptions{Count: devicelogs.Unbounded, Start: 1700000000001})
	s.Require().NoError(err)
	s.Equal([]string{"line 1", "line 2"}, natsMessages(logs))
}

func (s *BackendSuite) TestStreamKeepsNewestPerDevice() {
	ctx := context.Background()
	lc := devicelogs.LogContext{ID: 102, RetentionLimit: 5}

	s.Require().NoError(s.backend.Publish(ctx, lc, natsLines(0, 8)))

	logs, err := s.backend.History(ctx, lc, devicelogs.HistoryOptions{Count: devicelogs.Unbounded})
	s.Require().NoError(err)
	s.Equal([]string{"line 3", "line 4", "line 5", "line 6", "line 7"}, natsMessages(logs))

	narrow := devicelogs.LogContext{ID: 102, RetentionLimit: 2}
	logs, err = s.backend.History(ctx, narrow, devicelogs.HistoryOptions{Count: devicelogs.Unbounded})
	s.Require().NoError(err)
	s.Equal([]string{"line 6", "line 7"}, natsMessages(logs))
}

func (s *BackendSuite) TestSubscribeReceivesLiveLines() {
	ctx := context.Background()
	lc := devicelogs.LogContext{ID: 103, RetentionLimit: 5}

	first, err := s.backend.Subscribe(ctx, lc)
	s.Require().NoError(err)
	second, err := s.backend.Subscribe(ctx, lc)
	s.Require().NoError(err)

	s.Require().NoError(s.backend.Publish(ctx, lc, natsLines(0, 3)))

	for _, sub := range []*devicelogs.Subscription{first, second} {
		var received []string
		timeout := time.After(5 * time.Second)
		for len(received) < 3 {
			select {
			case log := <-sub.Logs():
				received = append(received, log.Message)
			case <-timeout:
				s.FailNow("timed out waiting for live lines", "received %v", received)
			}
		}
		s.Equal([]string{"line 0", "line 1", "line 2"}, received)
	}

	s.Require().NoError(s.backend.Unsubscribe(ctx, first))
	s.Require().NoError(s.backend.Unsubscribe(ctx, second))
	s.ErrorIs(s.backend.Unsubscribe(ctx, second), devicelogs.ErrUnknownSubscription)

	s.backend.attachMu.Lock()
	defer s.backend.attachMu.Unlock()
	s.Empty(s.backend.subs)
}

func TestBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS container tests in short mode")
	}
	suite.Run(t, new(BackendSuite))
}
