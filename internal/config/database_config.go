package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// overridableKeys 允许从数据库覆盖的配置项
var overridableKeys = map[string]bool{
	"agent.identity":         true,
	"agent.key_name":         true,
	"agent.sign_cost_hint":   true,
	"chain.chain_id":         true,
	"chain.call_timeout":     true,
	"signer.mode":            true,
	"signer.url":             true,
	"signer.call_timeout":    true,
	"gas.transfer_gas_limit": true,
	"gas.transfer_gas_price": true,
	"gas.payload_gas_limit":  true,
	"oracle.url":             true,
	"oracle.api_key":         true,
	"oracle.symbol":          true,
	"oracle.timeout":         true,
	"oracle.replicas":        true,
	"oracle.volatile_fields": true,
	"output.format":          true,
	"output.journal_path":    true,
	"output.kafka.brokers":   true,
	"output.kafka.topic":     true,
	"logging.level":          true,
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadSettings 读取 agent_settings 表中的键值对
func (dc *DatabaseConfig) LoadSettings() (map[string]string, error) {
	rows, err := dc.DB.Query(`SELECT key, value FROM agent_settings WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// LoadNodes 读取启用的链节点
func (dc *DatabaseConfig) LoadNodes() ([]*NodeConfig, error) {
	rows, err := dc.DB.Query(`SELECT name, url, priority FROM chain_nodes WHERE is_active = true ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// UpdateSetting 写入或更新一项配置
func (dc *DatabaseConfig) UpdateSetting(key, value string) error {
	if !overridableKeys[key] {
		return fmt.Errorf("不支持的配置项: %s", key)
	}

	_, err := dc.DB.Exec(`
		INSERT INTO agent_settings (key, value, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (key)
		DO UPDATE SET value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}

// applySettings 将数据库配置写入 viper，未知键忽略，JSON 数组解析为字符串列表
func applySettings(v *viper.Viper, settings map[string]string) []string {
	var ignored []string
	for key, value := range settings {
		key = strings.ToLower(strings.TrimSpace(key))
		if !overridableKeys[key] {
			ignored = append(ignored, key)
			continue
		}

		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "[") {
			var list []string
			if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
				v.Set(key, list)
				continue
			}
		}
		v.Set(key, trimmed)
	}
	return ignored
}
