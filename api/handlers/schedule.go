package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/scheduler"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// ⏰ 计划任务 Handler
// =============================================================================

// ScheduleHandler 计划任务 CRUD 与手动触发的 HTTP 入口
type ScheduleHandler struct {
	svc    *scheduler.Service
	runner *scheduler.Runner
	logger *zap.Logger
}

// NewScheduleHandler 创建计划任务处理器
func NewScheduleHandler(svc *scheduler.Service, runner *scheduler.Runner, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{svc: svc, runner: runner, logger: logger}
}

// HandleCreate 创建计划
func (h *ScheduleHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg scheduler.ScheduleConfig
	if err := DecodeJSONBody(w, r, &cfg, h.logger); err != nil {
		return
	}

	schedule, err := h.svc.Create(r.Context(), cfg)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: schedule})
}

// HandleList 列出计划，?server_id= 过滤
func (h *ScheduleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var serverID uint
	if raw := r.URL.Query().Get("server_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
				"invalid server_id", h.logger)
			return
		}
		serverID = uint(parsed)
	}

	schedules, err := h.svc.List(r.Context(), serverID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, schedules)
}

// HandleGet 查询计划（含任务序列）
func (h *ScheduleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	schedule, err := h.svc.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, schedule)
}

// HandleUpdate 更新计划
func (h *ScheduleHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var cfg scheduler.ScheduleConfig
	if err := DecodeJSONBody(w, r, &cfg, h.logger); err != nil {
		return
	}

	schedule, err := h.svc.Update(r.Context(), id, cfg)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, schedule)
}

// HandleDelete 删除计划及其任务
func (h *ScheduleHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddTask 向计划追加一步任务
func (h *ScheduleHandler) HandleAddTask(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var cfg scheduler.TaskConfig
	if err := DecodeJSONBody(w, r, &cfg, h.logger); err != nil {
		return
	}

	task, err := h.svc.AddTask(r.Context(), id, cfg)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: task})
}

// HandleRemoveTask 从计划移除一步任务
func (h *ScheduleHandler) HandleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	taskID, err := PathID(r, "task")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.svc.RemoveTask(r.Context(), id, taskID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecute 手动触发一次执行
// 与轮询器共用同一条执行路径；计划正在执行时返回冲突。
func (h *ScheduleHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.runner.ExecuteNow(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{Success: true})
}
