package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// DatagramHandler receives one inbound datagram. data is only valid for the
// duration of the call.
type DatagramHandler func(data []byte, from *net.UDPAddr)

// MonitorListener is the client-side socket the appliance pushes monitor
// reports to. A single goroutine reads and hands datagrams to the handler.
type MonitorListener struct {
	conn    *net.UDPConn
	handler DatagramHandler
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// ListenMonitor binds the monitor socket on port (0 picks a free port).
func ListenMonitor(ctx context.Context, port, readBuffer int, handler DatagramHandler) (*MonitorListener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet connection type %T", pc)
	}
	if readBuffer > 0 {
		if err := conn.SetReadBuffer(readBuffer); err != nil {
			log.Debug().Err(err).Msg("monitor listener: failed to set read buffer")
		}
	}

	return &MonitorListener{
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

// Port returns the bound local port.
func (l *MonitorListener) Port() uint16 {
	addr, ok := l.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port) //nolint:gosec // UDP ports fit in 16 bits
}

// Start begins the receive loop.
func (l *MonitorListener) Start() {
	l.wg.Add(1)
	go l.readLoop()
	log.Debug().Uint16("port", l.Port()).Msg("monitor listener: receiving")
}

func (l *MonitorListener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("monitor listener: read error")
			continue
		}
		l.handler(buf[:n], from)
	}
}

// Stop closes the socket and waits for the receive loop to exit. It is safe
// to call more than once.
func (l *MonitorListener) Stop() {
	l.once.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil {
			log.Debug().Err(err).Msg("monitor listener: close")
		}
	})
	l.wg.Wait()
}
