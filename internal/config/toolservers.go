package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadToolServerFile 读取 mcp_config.json 风格的文件：
//
//	{"mcpServers": {"filesystem": {"command": "npx", "args": [...], "env": {...}}}}
//
// 返回的服务器顺序与文件中的书写顺序一致。
func LoadToolServerFile(path string) ([]ToolServerConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工具服务器配置失败: %w", err)
	}
	servers, err := decodeMCPServers(content)
	if err != nil {
		return nil, fmt.Errorf("解析工具服务器配置 %s 失败: %w", path, err)
	}
	return servers, nil
}

func decodeMCPServers(content []byte) ([]ToolServerConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var servers []ToolServerConfig
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if key != "mcpServers" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		for dec.More() {
			name, err := readKey(dec)
			if err != nil {
				return nil, err
			}
			var server ToolServerConfig
			if err := dec.Decode(&server); err != nil {
				return nil, fmt.Errorf("服务器 %s: %w", name, err)
			}
			server.Name = name
			servers = append(servers, server)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
	}
	return servers, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("期望 %q，实际为 %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("期望对象键，实际为 %v", tok)
	}
	return key, nil
}

// AgentProfile 描述 agents.yaml 中的一个智能体。
type AgentProfile struct {
	SystemPrompt string `yaml:"system_prompt"`
	PromptFile   string `yaml:"prompt_file"`
	Model        string `yaml:"model"`
	MaxTurns     int    `yaml:"max_turns"`
}

// LoadAgentProfiles 读取以智能体名称为键的 YAML 文件。
func LoadAgentProfiles(path string) (map[string]AgentProfile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体配置失败: %w", err)
	}
	profiles := map[string]AgentProfile{}
	if err := yaml.Unmarshal(content, &profiles); err != nil {
		return nil, fmt.Errorf("解析智能体配置失败: %w", err)
	}
	return profiles, nil
}

func (c *Config) applyAgentProfile() error {
	profiles, err := LoadAgentProfiles(c.Agent.ProfilesFile)
	if err != nil {
		return err
	}
	profile, ok := profiles[c.Agent.Name]
	if !ok {
		return fmt.Errorf("智能体配置中不存在 %q", c.Agent.Name)
	}
	if profile.Model != "" {
		c.LLM.OpenAI.Model = profile.Model
	}
	if profile.MaxTurns > 0 {
		c.Agent.MaxTurns = profile.MaxTurns
	}
	if profile.SystemPrompt != "" {
		c.Agent.SystemPrompt = profile.SystemPrompt
	}
	if profile.PromptFile != "" {
		c.Agent.PromptFile = resolvePath(filepath.Dir(c.Agent.ProfilesFile), profile.PromptFile)
	}
	return nil
}
