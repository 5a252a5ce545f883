package endpoint

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

const mib = 1 << 20

type runtimeStats struct {
	Goroutines   int    `json:"goroutines"`
	HeapAllocMiB uint64 `json:"heap_alloc_mib"`
	SysMiB       uint64 `json:"sys_mib"`
	NumGC        uint32 `json:"gc_runs"`
	GOMAXPROCS   int    `json:"gomaxprocs"`
}

// Runtime reports goroutine and heap figures. Request metrics go through
// OpenTelemetry; this is for a quick look at a running node.
func Runtime() gin.HandlerFunc {
	return func(c *gin.Context) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		c.JSON(http.StatusOK, runtimeStats{
			Goroutines:   runtime.NumGoroutine(),
			HeapAllocMiB: m.HeapAlloc / mib,
			SysMiB:       m.Sys / mib,
			NumGC:        m.NumGC,
			GOMAXPROCS:   runtime.GOMAXPROCS(0),
		})
	}
}
