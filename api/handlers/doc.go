/*
Package handlers 提供 Nodeflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现面板所有 HTTP 端点的请求处理逻辑：面向操作方的节点、
服务器、迁移、计划任务与凭证端点，以及面向节点代理的回调端点。
所有 Handler 均遵循标准 net/http 接口，路由参数使用 Go 1.22 PathValue。

# 核心类型

  - NodeHandler       — 节点注册、列表、维护模式、密钥轮换
  - ServerHandler     — 电源动作、控制台命令、资源快照（缓存优先）
  - TransferHandler   — 发起/取消迁移
  - ScheduleHandler   — 计划任务 CRUD 与手动触发
  - CredentialHandler — 直连节点代理的短时凭证签发
  - CallbackHandler   — 节点回调：活动批次、备份/安装/迁移终态、心跳
  - HealthHandler     — 服务健康与就绪检查
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - ErrorCode → HTTP 状态码映射：节点不可达 503、代理拒绝凭证 403、
    状态冲突类 409
  - 回调鉴权：TokenID 定位节点 + 密钥恒定时间比对，永不信任请求体里
    的节点字段
  - 终态回调幂等：重放不触发二次通知或二次分配释放
*/
package handlers
