package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency whose health /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stats are counters the admin view reports next to the health checks.
type Stats struct {
	QueueDepth    func() int
	QueueCapacity int
	WSClients     func() int
}

// AdminHandler serves health and process statistics.
type AdminHandler struct {
	books     BookSource
	pingers   map[string]Pinger
	disabled  []string
	stats     Stats
	startTime time.Time
}

func NewAdminHandler(books BookSource, stats Stats) *AdminHandler {
	return &AdminHandler{
		books:     books,
		pingers:   make(map[string]Pinger),
		stats:     stats,
		startTime: time.Now(),
	}
}

// Check adds a named dependency. A nil pinger is reported as disabled.
func (h *AdminHandler) Check(name string, p Pinger) *AdminHandler {
	if p == nil {
		h.disabled = append(h.disabled, name)
		return h
	}
	h.pingers[name] = p
	return h
}

func (h *AdminHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := make(map[string]string, len(h.pingers)+len(h.disabled))
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			services[name] = "unhealthy: " + err.Error()
		} else {
			services[name] = "healthy"
		}
	}
	for _, name := range h.disabled {
		services[name] = "disabled"
	}

	resp := NewHealthResponse(services)
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

type SystemInfo struct {
	GoVersion  string  `json:"go_version"`
	GoRoutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
	UptimeSec  float64 `json:"uptime_seconds"`
}

type bookStats struct {
	Instrument uint32 `json:"instrument"`
	BidLevels  int    `json:"bid_levels"`
	AskLevels  int    `json:"ask_levels"`
	BestBid    uint64 `json:"best_bid,omitempty"`
	BestAsk    uint64 `json:"best_ask,omitempty"`
}

// Stats returns process and book statistics.
func (h *AdminHandler) Stats(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	instruments := h.books.Instruments()
	sort.Slice(instruments, func(i, j int) bool { return instruments[i] < instruments[j] })
	books := make([]bookStats, 0, len(instruments))
	for _, id := range instruments {
		snap, ok := h.books.Get(id)
		if !ok {
			continue
		}
		s := bookStats{Instrument: id, BidLevels: len(snap.Bids), AskLevels: len(snap.Asks)}
		if bid, ok := snap.BestBid(); ok {
			s.BestBid = bid.Price
		}
		if ask, ok := snap.BestAsk(); ok {
			s.BestAsk = ask.Price
		}
		books = append(books, s)
	}

	resp := gin.H{
		"system": SystemInfo{
			GoVersion:  runtime.Version(),
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   float64(mem.Alloc) / 1024 / 1024,
			UptimeSec:  time.Since(h.startTime).Seconds(),
		},
		"books": books,
	}
	if h.stats.QueueDepth != nil {
		resp["queue"] = gin.H{"depth": h.stats.QueueDepth(), "capacity": h.stats.QueueCapacity}
	}
	if h.stats.WSClients != nil {
		resp["websocket_clients"] = h.stats.WSClients()
	}
	c.JSON(http.StatusOK, resp)
}
