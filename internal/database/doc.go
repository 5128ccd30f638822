/*
包 database 提供基于 GORM 的数据库连接池管理。

PoolManager 封装 GORM 与 database/sql 的连接池配置，统一管理连接
生命周期与后台探活，并提供事务执行与指数退避的事务重试
（死锁、序列化失败等场景）。面板的所有持久化共用这一个池。
*/
package database
