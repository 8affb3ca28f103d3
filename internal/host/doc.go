// Package host 模拟缓存代理的宿主运行时：负责版本注册、install/activate 生命周期、
// 等待阶段、接管客户端，以及把被拦截的请求派发给当前激活的版本。
package host
