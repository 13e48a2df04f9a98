package network

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Reason explains the outcome of a socket operation.
type Reason int

const (
	ReasonSuccess             Reason = 0
	ReasonTimerExpired        Reason = -1
	ReasonNoSuchPort          Reason = -2
	ReasonGeneralNetwork      Reason = -3
	ReasonCorruptedPacket     Reason = -4
	ReasonNonexistentEntry    Reason = -5
	ReasonWindowOverflow      Reason = -6
	ReasonInactivity          Reason = -7
	ReasonResourceUnavailable Reason = -8
	ReasonClientDisconnected  Reason = -9
	ReasonTransmitQueueFull   Reason = -10
	ReasonChannelLost         Reason = -11
	ReasonShuttingDown        Reason = -12
)

var reasonNames = map[Reason]string{
	ReasonSuccess:             "success",
	ReasonTimerExpired:        "timer_expired",
	ReasonNoSuchPort:          "no_such_port",
	ReasonGeneralNetwork:      "general_network",
	ReasonCorruptedPacket:     "corrupted_packet",
	ReasonNonexistentEntry:    "nonexistent_entry",
	ReasonWindowOverflow:      "window_overflow",
	ReasonInactivity:          "inactivity",
	ReasonResourceUnavailable: "resource_unavailable",
	ReasonClientDisconnected:  "client_disconnected",
	ReasonTransmitQueueFull:   "transmit_queue_full",
	ReasonChannelLost:         "channel_lost",
	ReasonShuttingDown:        "shutting_down",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// retryClass groups reasons by how the transmission driver reacts to them.
type retryClass int

const (
	// retryEphemeral failures clear on an immediate retry.
	retryEphemeral retryClass = iota
	// retryBackoff failures need the socket to drain first.
	retryBackoff
	// retryFatal failures abandon the packet.
	retryFatal
)

func (r Reason) retryClass() retryClass {
	switch r {
	case ReasonNoSuchPort:
		return retryEphemeral
	case ReasonSuccess, ReasonResourceUnavailable, ReasonTransmitQueueFull, ReasonGeneralNetwork:
		// Success with unsent bytes left is a short write.
		return retryBackoff
	default:
		return retryFatal
	}
}

// ClassifySendError maps the result of a socket write to a Reason. sent
// and total describe the packet being written.
func ClassifySendError(err error, sent, total int) Reason {
	if err == nil {
		if sent < total {
			return ReasonResourceUnavailable
		}
		return ReasonSuccess
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EADDRNOTAVAIL):
		return ReasonNoSuchPort
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ReasonResourceUnavailable
	case errors.Is(err, syscall.ENOBUFS):
		return ReasonTransmitQueueFull
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET), errors.Is(err, net.ErrClosed):
		return ReasonChannelLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonResourceUnavailable
	}
	return ReasonGeneralNetwork
}
