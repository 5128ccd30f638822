/*
Package main 提供 Nodeflow 面板服务端程序入口。

# 概述

cmd/nodeflow 是 Nodeflow 面板的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）与 Prometheus 指标采集。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP）、JWTAuth（操作员鉴权）
  - 节点回调路由 /api/remote/* 跳过操作员 JWT，由处理器内
    的节点凭证鉴权保护
  - 后台任务：传输对账循环、计划任务轮询器（可配置开关）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停后台任务 → 关闭 HTTP → 关闭 Metrics → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
