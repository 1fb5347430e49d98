package session

import (
	"context"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// staleKiller finds and kills a process squatting on a local port.
type staleKiller interface {
	// Listening reports whether something accepts connections on addr.
	Listening(ctx context.Context, addr string) bool
	// PIDs returns the processes listening on port.
	PIDs(ctx context.Context, port string) ([]int, error)
	Kill(pid int) error
}

// loopbackAddr returns host:port of a loopback backend URL.
func loopbackAddr(raw string) (addr, port string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return "", "", false
		}
	}
	port = u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), port, true
}

// killStale kills whatever listens on the backend port when the health
// check keeps failing. Only loopback endpoints are considered.
func (m *Manager) killStale(ctx context.Context) {
	addr, port, ok := loopbackAddr(m.opts.URL)
	if !ok {
		m.debugf("not killing stale backend: %s is not a loopback address", m.opts.URL)
		return
	}
	if !m.stale.Listening(ctx, addr) {
		return
	}

	pids, err := m.stale.PIDs(ctx, port)
	if err != nil {
		m.logf("Could not look up the process on port %s: %v", port, err)
		return
	}
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := m.stale.Kill(pid); err != nil {
			m.logf("Could not kill stale backend process %d: %v", pid, err)
			continue
		}
		m.logf("Killed unresponsive process %d on port %s", pid, port)
	}
}

// systemKiller uses lsof to map ports to processes.
type systemKiller struct{}

func (systemKiller) Listening(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (systemKiller) PIDs(ctx context.Context, port string) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-ti", "tcp:"+port).Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDs(string(out)), nil
}

func (systemKiller) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func parsePIDs(out string) []int {
	var pids []int
	seen := make(map[int]bool)
	for _, f := range strings.Fields(out) {
		pid, err := strconv.Atoi(f)
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
