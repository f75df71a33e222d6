// Package session 实现会话编排器：驱动 grantee 会话密钥与 granter
// 智能账户之间授权关系的完整生命周期，并对外暴露可随时读取的状态
// 快照与签名句柄。授权协议细节由 authz 包承担，本包只负责状态机、
// 串行化与可观测性。
package session
