package command

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/lan"
)

// startSlowSupply serves a raw SCPI socket answering "MEAS:VOLT?" after delay.
func startSlowSupply(t *testing.T, delay time.Duration) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					switch line {
					case "MEAS:VOLT?\n":
						time.AfterFunc(delay, func() { _, _ = c.Write([]byte("4.998\n")) })
					case "*IDN?\n":
						_, _ = c.Write([]byte("RIGOL,DP832,SN1,1.0\n"))
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestExecute_LANLateReplyDoesNotAnswerNextCommand(t *testing.T) {
	port := startSlowSupply(t, 150*time.Millisecond)

	drv, err := lan.NewDriver()
	require.NoError(t, err)
	m, err := session.NewManager(session.WithDriver(drv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	addr, err := address.NewLAN("127.0.0.1", port, "")
	require.NoError(t, err)
	h, err := m.Acquire(context.Background(), addr)
	require.NoError(t, err)
	defer h.Release()

	d := newDispatcher(t)

	_, err = d.Execute(context.Background(), h, measureVoltage, nil, WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, session.StateOpen, h.State())

	// outlast the late reply
	time.Sleep(150 * time.Millisecond)

	resp, err := d.Execute(context.Background(), h, Raw("*IDN?", catalog.ShapeScalar), nil, WithTimeout(time.Second))
	require.NoError(t, err)
	text, ok := resp.Text()
	require.True(t, ok)
	assert.Equal(t, "RIGOL,DP832,SN1,1.0", text)
}
