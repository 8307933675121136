package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// SettingsStore 数据库配置覆盖层
type SettingsStore interface {
	LoadSettings() (map[string]string, error)
	UpdateSetting(key, value string) error
}

// NodeStats 节点连接池状态
type NodeStats interface {
	GetStats() map[string]interface{}
}

// secretSettings 查询时需要隐藏取值的配置项
var secretSettings = map[string]bool{
	"oracle.api_key":  true,
	"agent.identity":  true,
	"signer.dev_seed": true,
}

type settingItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// getSettings 列出数据库中生效的覆盖配置
func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.opts.Settings.LoadSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("SETTINGS_ERROR", err.Error(), false))
		return
	}

	items := make([]settingItem, 0, len(settings))
	for k, v := range settings {
		if secretSettings[k] {
			v = "******"
		}
		items = append(items, settingItem{Key: k, Value: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })

	c.JSON(http.StatusOK, gin.H{"settings": items, "total": len(items)})
}

// updateSetting 写入覆盖配置，配置在启动时加载，重启后生效
func (s *Server) updateSetting(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error(), false))
		return
	}

	if err := s.opts.Settings.UpdateSetting(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("SETTINGS_ERROR", err.Error(), false))
		return
	}

	s.logger.WithField("key", req.Key).Info("覆盖配置已更新，重启后生效")
	c.JSON(http.StatusOK, gin.H{"message": "配置已保存，重启后生效", "key": req.Key})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	stats := s.opts.Nodes.GetStats()
	c.JSON(http.StatusOK, gin.H{"nodes": stats, "total": len(stats)})
}
