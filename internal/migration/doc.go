/*
包 migration 基于 golang-migrate 管理数据库 schema。

迁移脚本按方言（postgres/mysql/sqlite）嵌入二进制，DefaultMigrator
提供 Up/Down/Steps/Force/Version，CLI 封装 migrate 子命令的输出。
*/
package migration
