// ============================================================================
// oss-sim Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露模擬器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - oss_workers_spawned_total: 啟動的 Worker 總數
//      - oss_workers_reaped_total: 回收的 Worker 總數
//      - oss_reports_total: 從 mailbox 取出的報告總數
//      - oss_workers_signalled_total{signal}: teardown 時送出的訊號數
//
//   2. 分佈統計 (Histogram)：
//      - oss_worker_sim_lifetime_seconds: Worker 從啟動到回報的模擬時間
//        * 桶分佈: 0.0001 ~ 0.5（模擬秒），對應 [0, 1e6) 奈秒的截止時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - oss_workers_active: 目前佔用中的 slot 數
//      - oss_sim_clock_seconds: Controller 的模擬時鐘
//
// Prometheus 查詢示例:
//
//   # 每秒回收數
//   rate(oss_workers_reaped_total[1m])
//
//   # 95 分位模擬壽命
//   histogram_quantile(0.95, oss_worker_sim_lifetime_seconds_bucket)
//
// HTTP 端點:
//   --metrics-port 指定時以 /metrics 暴露
//
// 性能考慮:
//   - Counter/Gauge 操作是原子的，線程安全
//   - nil *Collector 的所有方法皆為 no-op，Controller 不需判斷是否啟用
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 行程相關指標
	spawned   prometheus.Counter
	reaped    prometheus.Counter
	reports   prometheus.Counter
	signalled *prometheus.CounterVec

	// 模擬時間指標
	lifetime prometheus.Histogram
	simClock prometheus.Gauge

	// 狀態指標
	active prometheus.Gauge
}

// lifetimeBuckets 模擬秒；截止時間偏移量落在 [0, 1e-3) 秒的預設範圍
var lifetimeBuckets = []float64{0.0001, 0.00025, 0.0005, 0.00075, 0.001, 0.0025, 0.01, 0.1, 0.5}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oss_workers_spawned_total",
			Help: "Total number of simulated worker processes spawned",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oss_workers_reaped_total",
			Help: "Total number of worker processes reaped after reporting",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oss_reports_total",
			Help: "Total number of completion reports drained from the mailbox",
		}),
		signalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oss_workers_signalled_total",
			Help: "Total number of workers terminated by a signal during teardown",
		}, []string{"signal"}),
		lifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oss_worker_sim_lifetime_seconds",
			Help:    "Simulated time between a worker's spawn and its report",
			Buckets: lifetimeBuckets,
		}),
		simClock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oss_sim_clock_seconds",
			Help: "Current value of the controller's simulated clock",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oss_workers_active",
			Help: "Current number of occupied pool slots",
		}),
	}

	// 註冊所有指標
	for _, m := range []prometheus.Collector{
		c.spawned, c.reaped, c.reports, c.signalled, c.lifetime, c.simClock, c.active,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return c, nil
}

// RecordSpawn 記錄一次 Worker 啟動
func (c *Collector) RecordSpawn() {
	if c == nil {
		return
	}
	c.spawned.Inc()
}

// RecordReport 記錄從 mailbox 取出一份報告
func (c *Collector) RecordReport() {
	if c == nil {
		return
	}
	c.reports.Inc()
}

// RecordReap 記錄回收一個已回報的 Worker 及其模擬壽命
func (c *Collector) RecordReap(simLifetimeSeconds float64) {
	if c == nil {
		return
	}
	c.reaped.Inc()
	c.lifetime.Observe(simLifetimeSeconds)
}

// RecordSignal 記錄 teardown 時送出的訊號
func (c *Collector) RecordSignal(signal string) {
	if c == nil {
		return
	}
	c.signalled.WithLabelValues(signal).Inc()
}

// SetActive 設置佔用中的 slot 數
func (c *Collector) SetActive(n int) {
	if c == nil {
		return
	}
	c.active.Set(float64(n))
}

// SetClock 設置模擬時鐘（秒）
func (c *Collector) SetClock(seconds float64) {
	if c == nil {
		return
	}
	c.simClock.Set(seconds)
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 要暴露的 registry；nil 時使用預設 registry
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉回傳 nil
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
