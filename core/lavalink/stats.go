package lavalink

import (
	"math"
)

// Memory 节点内存信息（字节）
type Memory struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPU 节点 CPU 负载，取值 0~1
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats 每分钟音频帧统计
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// Stats 节点健康信息
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats"`
}

// Penalty 负载惩罚值，越小越适合分配新的 guild
func (s Stats) Penalty() int {
	penalty := s.PlayingPlayers
	penalty += int(math.Round(math.Pow(1.05, 100*s.CPU.SystemLoad)*10 - 10))

	if s.FrameStats != nil {
		deficit := float64(s.FrameStats.Deficit) / 3000
		nulled := float64(s.FrameStats.Nulled) / 3000
		penalty += int(math.Round(math.Pow(1.03, 500*deficit)*600 - 600))
		penalty += int(math.Round((math.Pow(1.03, 500*nulled)*300 - 300) * 2))
	}
	return penalty
}

// Version 节点版本
type Version struct {
	Semver     string `json:"semver"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	PreRelease string `json:"preRelease"`
	Build      string `json:"build"`
}

// Git 节点构建信息
type Git struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitTime int64  `json:"commitTime"`
}

// Plugin 节点加载的插件
type Plugin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Info GET /v4/info
type Info struct {
	Version        Version  `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	Git            Git      `json:"git"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []Plugin `json:"plugins"`
}

// IPBlock 路由规划使用的 IP 段
type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

// FailingAddress 被封禁的地址
type FailingAddress struct {
	Address         string `json:"failingAddress"`
	Timestamp       int64  `json:"failingTimestamp"`
	TimestampString string `json:"failingTime"`
}

// RoutePlannerDetails 路由规划详情
type RoutePlannerDetails struct {
	IPBlock             IPBlock          `json:"ipBlock"`
	FailingAddresses    []FailingAddress `json:"failingAddresses"`
	RotateIndex         string           `json:"rotateIndex,omitempty"`
	IPIndex             string           `json:"ipIndex,omitempty"`
	CurrentAddress      string           `json:"currentAddress,omitempty"`
	CurrentAddressIndex string           `json:"currentAddressIndex,omitempty"`
	BlockIndex          string           `json:"blockIndex,omitempty"`
}

// RoutePlannerStatus GET /v4/routeplanner/status
type RoutePlannerStatus struct {
	Class   string               `json:"class"`
	Details *RoutePlannerDetails `json:"details"`
}
