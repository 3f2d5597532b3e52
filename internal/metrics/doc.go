// 版权所有 2024 Gateway Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、请求分发、提供商池、余额对账与数据库几类指标。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数（按 method/path/status 分组，状态码归类为
    2xx/3xx/4xx/5xx）与请求耗时（按 method/path 分组）。
  - 分发指标：上游尝试次数（按 strategy/status 分组）、尝试耗时
    （按 strategy 分组），以及 prompt token 估算值 Histogram。
  - 提供商池指标：按 model 分组的池大小 Gauge，按 api_key_suffix
    分组的并发许可耗尽计数。
  - 对账指标：每轮对账耗时 Histogram 与驱逐计数。
  - 数据库指标：打开/空闲连接数 Gauge（按 database 分组）、查询耗时
    Histogram（按 database/operation 分组）。

网关运行时只有 HTTP 指标会被记录（由指标中间件调用
RecordHTTPRequest）；其余 Record*/Set* 方法在网关中没有调用方。
*/
package metrics
