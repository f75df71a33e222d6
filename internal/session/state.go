package session

// Phase 表示会话生命周期所处的阶段。任一时刻只有一个阶段生效。
type Phase string

const (
	// PhaseIdle 表示尚未连接，也没有失败记录。
	PhaseIdle Phase = "idle"
	// PhaseConnecting 表示连接流程正在进行。
	PhaseConnecting Phase = "connecting"
	// PhaseConnected 表示授权关系已建立，可以签名。
	PhaseConnected Phase = "connected"
	// PhaseError 表示最近一次连接失败，保留失败原因供排查。
	PhaseError Phase = "error"
)

// State 是编排器对外暴露的状态快照。Granter 与 Grantee 仅在
// 已连接阶段填充，Error 仅在失败阶段填充，原样保留底层错误信息。
type State struct {
	Phase   Phase  `json:"phase"`
	Granter string `json:"granter,omitempty"`
	Grantee string `json:"grantee,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Connected 判断快照是否处于已连接阶段。
func (s State) Connected() bool {
	return s.Phase == PhaseConnected
}
