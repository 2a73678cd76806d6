// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	udpSocketBufferSize = 1024 * 1024 * 16 // 16MB
)

func createUDPConnsForAddr(log mlog.LoggerIFace, network, listenAddress string, count int) ([]net.PacketConn, error) {
	var conns []net.PacketConn

	if count <= 0 {
		count = runtime.NumCPU()
	}

	for i := 0; i < count; i++ {
		listenConfig := net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					if err != nil {
						log.Error("failed to set reuseaddr option", mlog.Err(err))
						return
					}
					err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
					if err != nil {
						log.Error("failed to set reuseport option", mlog.Err(err))
						return
					}
				})
			},
		}

		udpConn, err := listenConfig.ListenPacket(context.Background(), network, listenAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on udp: %w", err)
		}

		log.Info(fmt.Sprintf("rtc: server is listening on udp %s", listenAddress))

		if err := udpConn.(*net.UDPConn).SetWriteBuffer(udpSocketBufferSize); err != nil {
			log.Warn("rtc: failed to set udp send buffer", mlog.Err(err))
		}

		if err := udpConn.(*net.UDPConn).SetReadBuffer(udpSocketBufferSize); err != nil {
			log.Warn("rtc: failed to set udp receive buffer", mlog.Err(err))
		}

		connFile, err := udpConn.(*net.UDPConn).File()
		if err != nil {
			return nil, fmt.Errorf("failed to get udp conn file: %w", err)
		}
		defer connFile.Close()

		sysConn, err := connFile.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("failed to get syscall conn: %w", err)
		}
		err = sysConn.Control(func(fd uintptr) {
			writeBufSize, err := syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF)
			if err != nil {
				log.Error("failed to get buffer size", mlog.Err(err))
				return
			}
			readBufSize, err := syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF)
			if err != nil {
				log.Error("failed to get buffer size", mlog.Err(err))
				return
			}
			log.Debug("rtc: udp buffers", mlog.Int("writeBufSize", writeBufSize), mlog.Int("readBufSize", readBufSize))
		})
		if err != nil {
			return nil, fmt.Errorf("Control call failed: %w", err)
		}

		conns = append(conns, udpConn)
	}

	return conns, nil
}

func resolveHost(host, network string, timeout time.Duration) (string, error) {
	var ip string
	r := net.Resolver{}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	addrs, err := r.LookupIP(ctx, network, host)
	if err != nil {
		return ip, fmt.Errorf("failed to resolve host %q: %w", host, err)
	}
	if len(addrs) > 0 {
		ip = addrs[0].String()
	}
	return ip, err
}
