package acl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile 读取 YAML 规则文件
//
//	rules:
//	  - client_id: "sensor_*"
//	    topic: "sensor/%c/#"
//	    action: publish
//	    permission: allow
//	    priority: 10
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: read rules file: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("acl: parse rules: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("acl: rule #%d: %w", i+1, err)
		}
	}
	return file.Rules, nil
}
