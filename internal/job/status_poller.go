package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"mobilepay/internal/gateway"
	"mobilepay/internal/metrics"
	"mobilepay/internal/model"
	"mobilepay/internal/service"
	"mobilepay/pkg/logger"
)

// PollerConfig 轮询节奏：首次延迟 InitialDelay，之后每 Interval 查询一次，最多 MaxAttempts 次
type PollerConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
}

// StatusPoller 发起成功后按流水号轮询网关状态
//
// 【关键点】每笔交易一个 goroutine：
// 1. 查到终态（包括已被 webhook 推进）立即退出
// 2. 次数用尽仍无终态则标记 TIMED_OUT，不算错误
// 3. Stop 时取消所有轮询，未完成的交易由补偿任务接手
type StatusPoller struct {
	gateway   gateway.Client
	reconcile *service.ReconcileService
	metrics   *metrics.Metrics
	cfg       PollerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tracking map[string]struct{}
}

func NewStatusPoller(gw gateway.Client, reconcile *service.ReconcileService, cfg PollerConfig, m *metrics.Metrics) *StatusPoller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StatusPoller{
		gateway:   gw,
		reconcile: reconcile,
		metrics:   m,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		tracking:  make(map[string]struct{}),
	}
}

var _ service.Tracker = (*StatusPoller)(nil)

// Track 在后台开始轮询，同一流水号重复调用只会有一个轮询任务
func (p *StatusPoller) Track(reference string) {
	p.mu.Lock()
	if _, ok := p.tracking[reference]; ok {
		p.mu.Unlock()
		return
	}
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		logger.Warn("[Poller] 轮询器已停止，忽略", "reference", reference)
		return
	}
	p.tracking[reference] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.untrack(reference)

		out, err := p.Poll(p.ctx, reference)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("[Poller] 轮询异常结束", "reference", reference, "error", err)
			}
			return
		}
		logger.Info("[Poller] 轮询结束", "reference", reference, "status", out.Transaction.Status)
	}()
}

// IsTracking 是否有正在进行的轮询
func (p *StatusPoller) IsTracking(reference string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracking[reference]
	return ok
}

func (p *StatusPoller) untrack(reference string) {
	p.mu.Lock()
	delete(p.tracking, reference)
	p.mu.Unlock()
}

// Poll 同步执行一轮完整的轮询，返回最终对账结果
func (p *StatusPoller) Poll(ctx context.Context, reference string) (*service.Outcome, error) {
	timer := time.NewTimer(p.cfg.InitialDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		timer.Reset(p.cfg.Interval)

		res, err := p.gateway.QueryStatus(ctx, reference)
		if err != nil {
			p.metrics.PollAttempt("gateway_error")
			logger.Warn("[Poller] 查询网关状态失败", "reference", reference, "attempt", attempt, "error", err)
			continue
		}

		out, err := p.reconcile.OnPollResult(ctx, reference, res.Status)
		if err != nil {
			p.metrics.PollAttempt("error")
			if errors.Is(err, model.ErrNotFound) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Warn("[Poller] 对账失败", "reference", reference, "attempt", attempt, "error", err)
			continue
		}
		p.metrics.PollAttempt("ok")

		if out.Terminal() {
			return out, nil
		}
		logger.Debug("[Poller] 交易尚未完成", "reference", reference, "attempt", attempt, "reported", res.Status)
	}

	logger.Warn("[Poller] 轮询次数用尽，标记为超时", "reference", reference, "attempts", p.cfg.MaxAttempts)
	return p.reconcile.Expire(ctx, reference)
}

// Stop 取消所有轮询并等待退出
func (p *StatusPoller) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Info("[Poller] 轮询器已停止")
}
