package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
)

// Echo session defaults
const (
	DefaultEchoCount   = 5
	EchoTimeout        = 5 * time.Second
	MaxEchoPayloadSize = 1024
	echoPayloadStep    = 200
	echoPrefix         = "ECHO_TEST_"
)

// ErrEchoFailed is returned when no echo in a session came back intact.
var ErrEchoFailed = errors.New("echo session failed: no successful exchanges")

// EchoReport summarizes an echo session.
type EchoReport struct {
	Sent      int           `json:"sent"`
	Succeeded int           `json:"succeeded"`
	BytesSent int           `json:"bytes_sent"`
	MinRTT    time.Duration `json:"min_rtt"`
	AvgRTT    time.Duration `json:"avg_rtt"`
	MaxRTT    time.Duration `json:"max_rtt"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

// SuccessRate returns the fraction of echoes that came back, in [0, 1].
func (r *EchoReport) SuccessRate() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Sent)
}

func (r *EchoReport) observe(rtt time.Duration, total *time.Duration) {
	if r.Succeeded == 0 || rtt < r.MinRTT {
		r.MinRTT = rtt
	}
	if rtt > r.MaxRTT {
		r.MaxRTT = rtt
	}
	r.Succeeded++
	*total += rtt
	r.AvgRTT = *total / time.Duration(r.Succeeded)
}

// EchoSession sends count pings of growing size on an authenticated
// connection, waiting interval between them, and checks every pong echoes
// nonce and payload. It stops early once the connection is broken, since a
// stream that timed out mid-frame cannot be read again.
func (c *Client) EchoSession(ctx context.Context, conn *Connection, count int, interval time.Duration) (*EchoReport, error) {
	if !conn.IsAuthenticated() {
		return nil, &Error{Kind: ErrorKindNotAuthenticated, Op: "echo", Err: ErrNotAuthenticated}
	}
	if count <= 0 {
		count = DefaultEchoCount
	}

	logger := c.opts.logger.With(zap.String("session", conn.ID()[:8]))
	report := &EchoReport{}
	start := time.Now()
	var total time.Duration

	for i := 1; i <= count; i++ {
		if i > 1 && interval > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(interval):
			}
		}
		if !conn.Health().AllowAttempt() {
			logger.Warn("echo session aborted, connection broken", zap.Int("remaining", count-i+1))
			break
		}

		nonce, err := crypto.RandomUint64()
		if err != nil {
			return report, err
		}
		payload := echoPayload(i, nonce)

		report.Sent++
		report.BytesSent += len(payload)

		rtt, err := echoOnce(ctx, conn, nonce, payload)
		if err != nil {
			logger.Warn("echo failed", zap.Int("seq", i), zap.Uint64("nonce", nonce), zap.Error(err))
			report.Errors = append(report.Errors, err.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}
		report.observe(rtt, &total)
		logger.Debug("echo ok", zap.Int("seq", i), zap.Duration("rtt", rtt))
	}
	report.Duration = time.Since(start)

	logger.Info("echo session completed",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("sent", report.Sent),
		zap.Duration("avg_rtt", report.AvgRTT),
	)

	if report.Succeeded == 0 {
		return report, ErrEchoFailed
	}
	return report, nil
}

func echoOnce(ctx context.Context, conn *Connection, nonce uint64, payload string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, EchoTimeout)
	defer cancel()

	start := time.Now()
	reply, err := exchange(ctx, conn, protocol.NewPing(nonce, payload))
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	switch {
	case !reply.IsPong():
		return 0, fmt.Errorf("%w: expected pong, got %s", ErrUnexpectedReply, reply.Kind)
	case reply.Nonce != nonce:
		return 0, fmt.Errorf("%w: nonce %d, want %d", ErrUnexpectedReply, reply.Nonce, nonce)
	case reply.Payload != payload:
		return 0, fmt.Errorf("%w: payload differs (%d bytes, want %d)", ErrUnexpectedReply, len(reply.Payload), len(payload))
	}
	return rtt, nil
}

// echoPayload grows by echoPayloadStep bytes per message up to
// MaxEchoPayloadSize.
func echoPayload(seq int, nonce uint64) string {
	size := min(seq*echoPayloadStep, MaxEchoPayloadSize)
	p := fmt.Sprintf("%s%03d_%d_", echoPrefix, seq, nonce)
	if pad := size - len(p); pad > 0 {
		p += strings.Repeat("x", pad)
	}
	return p
}

// Quality ratings
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// QualityReport is the result of TestConnectionQuality.
type QualityReport struct {
	Addr        string        `json:"addr"`
	Peer        crypto.PeerID `json:"peer"`
	ConnectTime time.Duration `json:"connect_time"`
	EchoTime    time.Duration `json:"echo_time"`
	Total       time.Duration `json:"total"`
	Echo        *EchoReport   `json:"echo,omitempty"`
	EchoError   string        `json:"echo_error,omitempty"`
	Rating      string        `json:"rating"`
}

// Acceptable reports whether the link is usable: echoes succeeded, the
// handshake took under 5s and the echo session under 30s.
func (q *QualityReport) Acceptable() bool {
	return q.EchoError == "" &&
		q.ConnectTime < 5*time.Second &&
		q.EchoTime < 30*time.Second
}

func rateQuality(q *QualityReport) string {
	if q.EchoError != "" {
		return QualityPoor
	}
	switch {
	case q.ConnectTime <= time.Second && q.EchoTime <= 5*time.Second:
		return QualityExcellent
	case q.ConnectTime <= 2*time.Second && q.EchoTime <= 10*time.Second:
		return QualityGood
	case q.ConnectTime <= 5*time.Second && q.EchoTime <= 30*time.Second:
		return QualityFair
	default:
		return QualityPoor
	}
}

// TestConnectionQuality connects to addr, runs an echo session of samples
// pings and rates the link. A failed echo session is reported, not
// returned; only a failed connect is an error.
func (c *Client) TestConnectionQuality(ctx context.Context, addr string, samples int) (*QualityReport, error) {
	start := time.Now()
	conn, err := c.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	report := &QualityReport{Addr: addr, ConnectTime: time.Since(start)}
	report.Peer, _ = conn.PeerIdentity()

	echoStart := time.Now()
	echo, err := c.EchoSession(ctx, conn, samples, 0)
	report.EchoTime = time.Since(echoStart)
	report.Echo = echo
	if err != nil {
		report.EchoError = err.Error()
	}
	report.Total = time.Since(start)
	report.Rating = rateQuality(report)

	c.opts.logger.Info("connection quality",
		zap.String("addr", addr),
		zap.String("rating", report.Rating),
		zap.Duration("connect", report.ConnectTime),
		zap.Duration("echo", report.EchoTime),
	)
	return report, nil
}
