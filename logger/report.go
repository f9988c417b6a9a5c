package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsMarketData int64
	errorsSession    int64
	warnsMarketData  int64
	warnsSession     int64
	wsReads          int64
	wsReconnects     int64
	bookApplies      int64
	venueCalls       int64
	fillsEmitted     int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "book") {
		atomic.AddInt64(&warnsMarketData, 1)
	} else if strings.Contains(component, "cpty") || strings.Contains(component, "gateway") || strings.Contains(component, "venue") {
		atomic.AddInt64(&warnsSession, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "book") {
		atomic.AddInt64(&errorsMarketData, 1)
	} else if strings.Contains(component, "cpty") || strings.Contains(component, "gateway") || strings.Contains(component, "venue") {
		atomic.AddInt64(&errorsSession, 1)
	}
}

// IncrementWSRead records one inbound venue websocket frame of the
// given size.
func IncrementWSRead(size int) {
	atomic.AddInt64(&wsReads, 1)
	recordChannel("venue_ws", size)
}

// IncrementReconnect records one venue websocket reconnect attempt.
func IncrementReconnect() {
	atomic.AddInt64(&wsReconnects, 1)
}

// IncrementBookApply records one order book snapshot or delta
// application.
func IncrementBookApply() {
	atomic.AddInt64(&bookApplies, 1)
}

// IncrementVenueCall records one signed transaction or REST call to the
// venue.
func IncrementVenueCall(endpoint string) {
	atomic.AddInt64(&venueCalls, 1)
	recordChannel("venue_rest:"+endpoint, 0)
}

// IncrementFill records one fill notification emitted to the core.
func IncrementFill() {
	atomic.AddInt64(&fillsEmitted, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_marketdata": atomic.LoadInt64(&errorsMarketData),
		"errors_session":    atomic.LoadInt64(&errorsSession),
		"warns_marketdata":  atomic.LoadInt64(&warnsMarketData),
		"warns_session":     atomic.LoadInt64(&warnsSession),
		"ws_reads":          atomic.LoadInt64(&wsReads),
		"ws_reconnects":     atomic.LoadInt64(&wsReconnects),
		"book_applies":      atomic.LoadInt64(&bookApplies),
		"venue_calls":       atomic.LoadInt64(&venueCalls),
		"fills_emitted":     atomic.LoadInt64(&fillsEmitted),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsMarketData"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsMarketData)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsSession)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsMarketData"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsMarketData)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsSession)))},
		cwtypes.MetricDatum{MetricName: aws.String("WSReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&wsReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("WSReconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&wsReconnects)))},
		cwtypes.MetricDatum{MetricName: aws.String("BookApplies"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&bookApplies)))},
		cwtypes.MetricDatum{MetricName: aws.String("VenueCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&venueCalls)))},
		cwtypes.MetricDatum{MetricName: aws.String("FillsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&fillsEmitted)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
