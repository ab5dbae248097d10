package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	beatInterval = 1 * time.Second

	// Nodes listen on ports in [beaconPortBase, beaconPortBase+beaconPortSpan);
	// every beacon fans out across the whole window so peers on neighboring
	// ports (multiple nodes on one machine) still find each other.
	beaconPortBase = 9000
	beaconPortSpan = 6
)

// Beacon is the UDP discovery packet. It advertises where the node's TCP
// mesh listener lives; everything else travels over the mesh itself.
type Beacon struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Nick string `json:"nick"`
	Port int    `json:"port"`
	TS   int64  `json:"ts"`
}

// PeerInfo identifies a peer heard on the LAN.
type PeerInfo struct {
	ID   string
	Nick string
	Addr string
}

// StartBeacon broadcasts a discovery beacon every second until the context is
// canceled. It targets both the LAN broadcast address and localhost so
// multi-node test setups on one machine work.
func StartBeacon(ctx context.Context, servicePort int, peerID, nick string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	targets := []string{"255.255.255.255", "127.0.0.1"}
	var conns []*net.UDPConn

	for _, host := range targets {
		for p := beaconPortBase; p < beaconPortBase+beaconPortSpan; p++ {
			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, p))
			if err != nil {
				continue
			}
			conn, err := net.DialUDP("udp", nil, addr)
			if err == nil {
				conns = append(conns, conn)
			}
		}
	}

	if len(conns) == 0 {
		return fmt.Errorf("discovery: no UDP broadcast targets reachable")
	}

	log.Info("discovery beacon started", "targets", len(conns), "peer", peerID)

	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			beacon := Beacon{
				Type: "beat",
				ID:   peerID,
				Nick: nick,
				Port: servicePort,
				TS:   t.Unix(),
			}
			data, err := json.Marshal(beacon)
			if err != nil {
				continue
			}
			for _, c := range conns {
				_, _ = c.Write(data)
			}
		}
	}
}

// StartListener receives beacons on the given UDP port and reports each peer
// heard on the channel. Malformed packets and our own echoes are skipped.
func StartListener(ctx context.Context, port int, peerID string, peers chan<- PeerInfo, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("discovery: resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen on udp %d: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("discovery: read: %w", err)
			}
		}

		var beacon Beacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			log.Debug("dropping malformed beacon", "from", remoteAddr.String(), "err", err)
			continue
		}

		if beacon.Type != "beat" || beacon.ID == peerID {
			continue
		}

		peerAddr := fmt.Sprintf("%s:%d", remoteAddr.IP.String(), beacon.Port)

		select {
		case peers <- PeerInfo{ID: beacon.ID, Nick: beacon.Nick, Addr: peerAddr}:
		case <-ctx.Done():
			return nil
		}
	}
}
