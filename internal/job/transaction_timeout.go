package job

import (
	"context"
	"time"

	"mobilepay/internal/gateway"
	"mobilepay/internal/model"
	"mobilepay/internal/repository"
	"mobilepay/internal/service"
	"mobilepay/pkg/logger"
)

// StaleCreatedJob 处理长时间停留在 CREATED 的交易
//
// 【关键点】CREATED 说明交易落库后、网关调用结果落库前进程中断，
// 统一标记为 FAILED，付款交易同时退回预扣金额
type StaleCreatedJob struct {
	store     repository.Store
	reconcile *service.ReconcileService
	timeout   time.Duration
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStaleCreatedJob(store repository.Store, reconcile *service.ReconcileService, timeout time.Duration) *StaleCreatedJob {
	return &StaleCreatedJob{
		store:     store,
		reconcile: reconcile,
		timeout:   timeout,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 100,
	}
}

func (j *StaleCreatedJob) Start(ctx context.Context) {
	logger.Info("[StaleCreatedJob] 任务启动", "interval", j.interval.String(), "timeout", j.timeout.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[StaleCreatedJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.Info("[StaleCreatedJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *StaleCreatedJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮，返回标记失败的笔数
func (j *StaleCreatedJob) RunOnce(ctx context.Context) int {
	txns, err := j.store.Transactions().ListStale(ctx, []string{model.TxStatusCreated}, time.Now().Add(-j.timeout), j.batchSize)
	if err != nil {
		logger.Error("[StaleCreatedJob] 查询滞留交易失败", "error", err)
		return 0
	}
	if len(txns) == 0 {
		return 0
	}

	logger.Info("[StaleCreatedJob] 发现滞留交易", "count", len(txns))

	failed := 0
	for _, txn := range txns {
		out, err := j.reconcile.FailInitiation(ctx, txn.Reference)
		if err != nil {
			logger.Error("[StaleCreatedJob] 标记失败出错", "reference", txn.Reference, "error", err)
			continue
		}
		if out.Applied {
			failed++
			logger.Info("[StaleCreatedJob] 交易已标记为失败", "reference", txn.Reference, "kind", txn.Kind,
				"principal_id", txn.PrincipalID, "amount", txn.Amount.String())
		}
	}
	return failed
}

// trackingChecker 判断某笔交易是否仍在被轮询
type trackingChecker interface {
	IsTracking(reference string) bool
}

// PendingCompensateJob 补偿超过轮询窗口仍未进入终态、且没有轮询任务的交易（例如进程重启后）
//
// 补查一次网关：查到终态按正常对账处理，仍无结果则标记 TIMED_OUT。
// 网关查询失败时本轮跳过，下一轮重试
type PendingCompensateJob struct {
	store     repository.Store
	gateway   gateway.Client
	reconcile *service.ReconcileService
	tracker   trackingChecker
	timeout   time.Duration
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewPendingCompensateJob(store repository.Store, gw gateway.Client, reconcile *service.ReconcileService,
	tracker trackingChecker, timeout time.Duration) *PendingCompensateJob {
	return &PendingCompensateJob{
		store:     store,
		gateway:   gw,
		reconcile: reconcile,
		tracker:   tracker,
		timeout:   timeout,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 50,
	}
}

func (j *PendingCompensateJob) Start(ctx context.Context) {
	logger.Info("[PendingCompensateJob] 补偿任务启动", "interval", j.interval.String(), "timeout", j.timeout.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[PendingCompensateJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.Info("[PendingCompensateJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PendingCompensateJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮，返回进入终态的笔数
func (j *PendingCompensateJob) RunOnce(ctx context.Context) int {
	before := time.Now().Add(-j.timeout)
	txns, err := j.store.Transactions().ListStale(ctx, []string{model.TxStatusInitiated, model.TxStatusPending}, before, j.batchSize)
	if err != nil {
		logger.Error("[PendingCompensateJob] 查询交易失败", "error", err)
		return 0
	}
	if len(txns) == 0 {
		return 0
	}

	logger.Info("[PendingCompensateJob] 发现需要补偿的交易", "count", len(txns))

	finalized := 0
	for _, txn := range txns {
		if j.compensate(ctx, txn) {
			finalized++
		}
	}
	return finalized
}

func (j *PendingCompensateJob) compensate(ctx context.Context, txn *model.Transaction) bool {
	if j.tracker != nil && j.tracker.IsTracking(txn.Reference) {
		return false
	}

	res, err := j.gateway.QueryStatus(ctx, txn.Reference)
	if err != nil {
		logger.Warn("[PendingCompensateJob] 补查网关失败，下轮重试", "reference", txn.Reference, "error", err)
		return false
	}

	out, err := j.reconcile.OnPollResult(ctx, txn.Reference, res.Status)
	if err != nil {
		logger.Error("[PendingCompensateJob] 补偿对账失败", "reference", txn.Reference, "error", err)
		return false
	}
	if out.Terminal() {
		logger.Info("[PendingCompensateJob] 补偿成功", "reference", txn.Reference, "status", out.Transaction.Status)
		return true
	}

	out, err = j.reconcile.Expire(ctx, txn.Reference)
	if err != nil {
		logger.Error("[PendingCompensateJob] 标记超时失败", "reference", txn.Reference, "error", err)
		return false
	}
	logger.Warn("[PendingCompensateJob] 交易超时，需人工核对", "reference", txn.Reference, "status", out.Transaction.Status)
	return true
}
