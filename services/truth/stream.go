// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package truth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianTruth/services/truth/violation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const streamWriteTimeout = 10 * time.Second

// HandleViolationStream handles GET /v1/truth/violations/stream.
//
// Description:
//
//	Upgrades to a websocket and pushes every violation event raised
//	while the connection is open. On connect, the current
//	unacknowledged backlog is sent first so a reconnecting operator
//	sees what happened while they were away.
func (h *Handlers) HandleViolationStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	slog.Info("Violation stream client connected")

	// Buffered so a slow socket never blocks Monitor.Raise.
	events := make(chan violation.Event, 64)
	sub := h.svc.monitor.Subscribe(func(ev violation.Event) {
		select {
		case events <- ev:
		default:
			slog.Warn("Violation stream backpressure, dropping event", "event_id", ev.ID)
		}
	})
	defer sub.Cancel()

	for _, ev := range h.svc.monitor.Active() {
		if err := writeEvent(ws, ev); err != nil {
			return
		}
	}

	// Reads are discarded; the read loop only detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Info("Violation stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev violation.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	if err := ws.WriteJSON(ev); err != nil {
		slog.Warn("Failed to write violation event to websocket", "error", err)
		return err
	}
	return nil
}
