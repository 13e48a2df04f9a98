package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/courier-project/courier/internal/protocol"
	"github.com/courier-project/courier/internal/util"
)

// handleGetStats returns the live traffic counters.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.iface.Stats().Snapshot())
}

// handleGetMessageStats returns the counters of one message, by id or name.
func (s *Server) handleGetMessageStats(c *gin.Context) {
	desc, ok := s.lookupMessage(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	ms, ok := s.iface.Stats().Message(desc.ID)
	if !ok {
		ms.ID, ms.Name = desc.ID, desc.Name
	}
	c.JSON(http.StatusOK, ms)
}

// handleGetPools returns packet and bundle pool counters.
func (s *Server) handleGetPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pools": s.iface.PoolStats(),
	})
}

// handleGetHealth returns the latest health report.
func (s *Server) handleGetHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks disabled"})
		return
	}
	report, ok := s.health.Last()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no health report yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleGetChannels lists open channels.
func (s *Server) handleGetChannels(c *gin.Context) {
	infos := s.channels.Infos()
	c.JSON(http.StatusOK, gin.H{
		"channels": infos,
		"total":    len(infos),
	})
}

// handleGetChannel describes one channel.
func (s *Server) handleGetChannel(c *gin.Context) {
	ch, ok := s.channels.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ch.Info())
}

// handleGetMessages lists the registered message descriptors.
func (s *Server) handleGetMessages(c *gin.Context) {
	all := s.messages.All()
	out := make([]gin.H, 0, len(all))
	for _, d := range all {
		out = append(out, gin.H{
			"id":       d.ID,
			"name":     d.Name,
			"length":   d.Length,
			"variable": d.IsVariable(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": out,
		"total":    len(out),
	})
}

// handleGetSnapshots returns stored snapshots, newest first.
func (s *Server) handleGetSnapshots(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	snaps, err := s.store.LatestSnapshots(queryLimit(c, 50, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// handleGetSnapshot returns the message rows of one snapshot.
func (s *Server) handleGetSnapshot(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot id"})
		return
	}
	msgs, err := s.store.SnapshotMessages(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_id": id,
		"messages":    msgs,
	})
}

// handleGetMessageHistory returns stored counters of one message over time.
func (s *Server) handleGetMessageHistory(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	desc, ok := s.lookupMessage(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	hist, err := s.store.MessageHistory(desc.ID, queryLimit(c, 50, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": desc.Name,
		"history": hist,
	})
}

// handleGetDiscards returns recent sends that abandoned packets.
func (s *Server) handleGetDiscards(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	discards, err := s.store.RecentDiscards(queryLimit(c, 50, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"discards": discards,
		"count":    len(discards),
	})
}

// handleGetSystem returns host load.
func (s *Server) handleGetSystem(c *gin.Context) {
	usage, err := util.GetHostUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryLimit(c, 100, 1000)
	logFile := filepath.Join(s.cfg.GetLogging().Directory, util.LogFileName)
	entries, err := readRecentLogEntries(logFile, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats history is not enabled"})
		return false
	}
	return true
}

// lookupMessage resolves a message by numeric id or by name.
func (s *Server) lookupMessage(key string) (*protocol.MessageDescriptor, bool) {
	if id, err := strconv.ParseUint(key, 10, 16); err == nil {
		return s.messages.Lookup(protocol.MessageID(id))
	}
	return s.messages.ByName(key)
}

func queryLimit(c *gin.Context, def, maxLimit int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n < 1 {
		return def
	}
	return min(n, maxLimit)
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the log file.
func readRecentLogEntries(logFile string, count int) ([]logEntry, error) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []logEntry{}, nil
		}
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := max(len(lines)-count-1, 0)

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
