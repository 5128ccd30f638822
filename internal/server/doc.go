/*
包 server 提供 HTTP 服务器的生命周期管理：非阻塞启动、
优雅关闭与系统信号监听。

Manager 封装 net/http.Server 与 net.Listener，Start/StartTLS
在后台 goroutine 中运行服务，Shutdown 在配置的超时内排空请求，
WaitForShutdown 监听 SIGINT/SIGTERM 并自动触发优雅关闭。
Errors() 暴露异步错误通道供上层监控。
*/
package server
