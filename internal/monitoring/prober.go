package monitoring

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
)

// ProbeResult is the outcome of probing one target.
type ProbeResult struct {
	Reachable bool
	AvgRTTMS  *float64
	LossRatio float64
}

// Prober sends ICMP_COUNT echo requests per target. It uses unprivileged UDP
// datagram sockets, so workers run without raw-socket capabilities.
type Prober struct {
	cfg config.ICMPConfig
}

// NewProber builds a prober from the ICMP tuning.
func NewProber(cfg config.ICMPConfig) *Prober {
	return &Prober{cfg: cfg}
}

// Probe pings one target and summarizes reachability, RTT, and loss.
func (p *Prober) Probe(ctx context.Context, ip string) (ProbeResult, error) {
	if err := validateIPAddress(ip); err != nil {
		return ProbeResult{LossRatio: 1}, err
	}

	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return ProbeResult{LossRatio: 1}, fmt.Errorf("create pinger for %s: %w", ip, err)
	}
	pinger.Count = p.cfg.Count
	pinger.Interval = p.cfg.Interval
	// Total budget: per-packet timeout across the run, so one batch member
	// can never hold the fan-out slot longer than Count probes' worth.
	pinger.Timeout = time.Duration(p.cfg.Count)*p.cfg.Interval + p.cfg.Timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		log.Debug().Str("ip", ip).Err(err).Msg("Ping execution failed")
		return ProbeResult{LossRatio: 1}, nil
	}

	stats := pinger.Statistics()
	// RTT data proves we got a response; PacketsRecv alone can mislead on
	// duplicate-suppressing middleboxes.
	reachable := len(stats.Rtts) > 0 && stats.AvgRtt > 0

	res := ProbeResult{
		Reachable: reachable,
		LossRatio: stats.PacketLoss / 100,
	}
	if res.LossRatio < 0 {
		res.LossRatio = 0
	}
	if res.LossRatio > 1 {
		res.LossRatio = 1
	}
	if reachable {
		ms := float64(stats.AvgRtt.Microseconds()) / 1000
		res.AvgRTTMS = &ms
	}
	return res, nil
}

// validateIPAddress rejects targets that must never be probed.
func validateIPAddress(ipStr string) error {
	if ipStr == "" {
		return fmt.Errorf("IP address cannot be empty")
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return fmt.Errorf("invalid IP address format: %s", ipStr)
	}
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses not allowed: %s", ipStr)
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses not allowed: %s", ipStr)
	}
	if ip.IsLinkLocalUnicast() {
		return fmt.Errorf("link-local addresses not allowed: %s", ipStr)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses not allowed: %s", ipStr)
	}
	return nil
}
