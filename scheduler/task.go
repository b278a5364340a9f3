package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/crawlflow/breaker"
	"github.com/BaSui01/crawlflow/providers"
	"github.com/BaSui01/crawlflow/registry"
	"github.com/BaSui01/crawlflow/store"
)

// 响应体读取上限
const maxResponseBytes = 1 << 20

// Outcome 任务终态
// 状态机: planned → dispatched → {succeeded, failed_terminal, circuit_short}
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailedTerminal Outcome = "failed_terminal"
	OutcomeCircuitShort   Outcome = "circuit_short"
)

// Task 一次 (domain, provider, prompt) 调用计划
// 生命周期: 调度器展开域名时创建，记录终态后销毁
type Task struct {
	Domain   store.Domain
	Provider registry.Provider
	Prompt   registry.Prompt

	// Outcome 终态；空值表示尚未到达终态
	Outcome Outcome
	// Err 失败原因
	Err error
	// Response 成功时构建的响应行（由域名收尾批量落库）
	Response *store.Response
}

// runTask 执行单个任务直至终态: 取 Key → 构造请求 → HTTP 调用 → 解析 → 构建响应行
func (s *Scheduler) runTask(ctx context.Context, t *Task, batchID string) {
	s.collector.TaskStarted()
	defer s.collector.TaskFinished()

	p := t.Provider

	if s.isModelDisabled(p.ModelID) {
		t.Outcome = OutcomeFailedTerminal
		t.Err = providers.NewError(providers.ErrModelNotFound, "model disabled for process lifetime").WithProvider(p.Name)
		s.collector.RecordTask(p.Name, string(t.Outcome))
		return
	}

	res, err := s.retryer.DoWithResult(ctx, func() (any, error) {
		return s.doCall(ctx, t)
	})

	switch {
	case err == nil:
		r := res.(*store.Response)
		r.BatchID = batchID
		t.Response = r
		t.Outcome = OutcomeSucceeded

	case errors.Is(err, breaker.ErrCircuitOpen):
		t.Outcome = OutcomeCircuitShort
		t.Err = err

	default:
		t.Outcome = OutcomeFailedTerminal
		t.Err = err
	}

	s.collector.RecordTask(p.Name, string(t.Outcome))
}

// doCall 单次出站调用
// 熔断检查 → Key 获取（限速挂起点）→ HTTP（截止时间挂起点）→ 解析
func (s *Scheduler) doCall(ctx context.Context, t *Task) (*store.Response, error) {
	p := t.Provider
	br := s.breakers.For(p.Name)

	if err := br.Allow(); err != nil {
		return nil, err
	}

	key, release, err := s.pools[p.Name].Acquire(ctx)
	if err != nil {
		// 等待 Key 或信号量期间被关停释放；不计入熔断
		br.ProbeAborted()
		return nil, fmt.Errorf("acquire key: %w", err)
	}
	defer release()

	promptText := t.Prompt.Render(t.Domain.Domain)
	req, err := p.Adapter.BuildRequest(p.Model, promptText, key)
	if err != nil {
		br.ProbeAborted()
		return nil, err
	}

	deadline := p.Timeout
	if deadline <= 0 {
		deadline = s.cfg.Task.Deadline()
	}

	// 在途 HTTP 调用只由截止时间取消，不受外部关停信号影响
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		br.ProbeAborted()
		return nil, fmt.Errorf("build http request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := s.clients[p.Name].Do(httpReq)
	latency := time.Since(start)
	s.collector.RecordCallLatency(p.Name, p.Model, latency.Seconds())

	if err != nil {
		var callErr *providers.Error
		if callCtx.Err() != nil {
			callErr = providers.NewError(providers.ErrTimeout, "call deadline exceeded").WithCause(err).WithProvider(p.Name)
		} else {
			callErr = providers.NewError(providers.ErrUpstreamError, "upstream call failed").WithCause(err).WithProvider(p.Name)
		}
		callErr.Retryable = true
		br.Record(callErr)
		return nil, callErr
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if readErr != nil {
		callErr := providers.NewError(providers.ErrUpstreamError, "read response body").WithCause(readErr).WithProvider(p.Name)
		callErr.Retryable = true
		br.Record(callErr)
		return nil, callErr
	}

	if httpResp.StatusCode >= 400 {
		mapped := providers.MapHTTPError(p.Name, httpResp.StatusCode, body)
		s.handleCallError(p, key, mapped)
		br.Record(mapped)
		return nil, mapped
	}

	text, perr := p.Adapter.ParseResponse(body)
	if perr != nil {
		br.Record(perr)
		return nil, perr
	}

	br.Record(nil)

	return &store.Response{
		DomainID:       t.Domain.ID,
		Model:          p.ModelID,
		PromptType:     t.Prompt.Type,
		Prompt:         promptText,
		Response:       text,
		ResponseTimeMs: latency.Milliseconds(),
		CreatedAt:      time.Now(),
	}, nil
}

// handleCallError 调用失败的副作用: 限流冷却 Key，认证/模型错误停用 (provider, model)
func (s *Scheduler) handleCallError(p registry.Provider, key string, err *providers.Error) {
	switch providers.Classify(err) {
	case providers.ClassRateLimit:
		if p.RetryAfter > 0 {
			s.pools[p.Name].Penalize(key, p.RetryAfter)
		}
	case providers.ClassFatal:
		s.disableModel(p.ModelID, err)
	}
}
