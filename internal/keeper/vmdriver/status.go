package vmdriver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"ci-keeper/internal/shared/model"
)

// statusEntry 状态脚本 --json 输出的一条记录，state 与 status 二选一
type statusEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Status    string `json:"status"`
	Directory string `json:"directory"`
}

func (e statusEntry) toStatus() *model.VMStatus {
	st := e.State
	if st == "" {
		st = e.Status
	}
	return &model.VMStatus{
		ID:        e.ID,
		Name:      e.Name,
		Provider:  e.Provider,
		Status:    st,
		Directory: e.Directory,
	}
}

// globalStatusLine vagrant global-status 表格行：id name provider state directory
var globalStatusLine = regexp.MustCompile(`^([0-9a-f]{7,})\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S.*?)\s*$`)

// parseStatusJSON 解析 JSON 数组或单个对象，不是 JSON 时 ok=false
func parseStatusJSON(out []byte) ([]*model.VMStatus, bool) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, false
	}

	switch out[0] {
	case '[':
		var entries []statusEntry
		if err := json.Unmarshal(out, &entries); err != nil {
			return nil, false
		}
		list := make([]*model.VMStatus, 0, len(entries))
		for _, e := range entries {
			list = append(list, e.toStatus())
		}
		return list, true
	case '{':
		var e statusEntry
		if err := json.Unmarshal(out, &e); err != nil {
			return nil, false
		}
		return []*model.VMStatus{e.toStatus()}, true
	}
	return nil, false
}

// parseGlobalStatus 逐行匹配 global-status 表格，跳过表头与说明文字
func parseGlobalStatus(out []byte) []*model.VMStatus {
	var list []*model.VMStatus
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := globalStatusLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		list = append(list, &model.VMStatus{
			ID:        m[1],
			Name:      m[2],
			Provider:  m[3],
			Status:    m[4],
			Directory: m[5],
		})
	}
	return list
}

// parseStatus 先按 JSON 解析，失败再按表格解析
func parseStatus(out []byte) []*model.VMStatus {
	if list, ok := parseStatusJSON(out); ok {
		return list
	}
	return parseGlobalStatus(out)
}

// findVM 名称或目录名等于 VM 名即匹配
//
// vagrant 的 name 多为 default，真正的 VM 名在目录名上。
func findVM(list []*model.VMStatus, name string) *model.VMStatus {
	for _, st := range list {
		if st.Name == name {
			return st
		}
	}
	for _, st := range list {
		if st.Directory != "" && path.Base(strings.TrimRight(st.Directory, "/")) == name {
			return st
		}
	}
	return nil
}
