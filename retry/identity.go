package retry

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/izavyalov-dev/delta-report/state"
)

// Strategy selects how two executions are recognised as the same test.
type Strategy string

const (
	StrategyUniqueID     Strategy = "uniqueId"
	StrategyTestCaseHash Strategy = "testCaseHash"
)

// StrategyAttribute is the project attribute naming the identity strategy.
const StrategyAttribute = "retries.identityStrategy"

const uniqueIDPrefix = "auto:"

// StrategyFor reads the identity strategy from project attributes. Unknown or
// missing values fall back to the unique id strategy.
func StrategyFor(attrs map[string]string) Strategy {
	switch Strategy(strings.TrimSpace(attrs[StrategyAttribute])) {
	case StrategyTestCaseHash:
		return StrategyTestCaseHash
	default:
		return StrategyUniqueID
	}
}

// GenerateUniqueID encodes the project, launch, ancestor path, item name and
// parameters of an item.
func GenerateUniqueID(projectName, launchName string, pathNames []string, itemName string, params []state.Parameter) string {
	parts := []string{uniqueIDPrefix, projectName, launchName}
	if len(pathNames) > 0 {
		parts = append(parts, strings.Join(pathNames, ","))
	}
	parts = append(parts, itemName)
	if len(params) > 0 {
		parts = append(parts, joinParameters(params))
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, ";")))
}

// isGeneratedUniqueID reports whether id was produced by GenerateUniqueID.
func isGeneratedUniqueID(id string) bool {
	if id == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(decoded), uniqueIDPrefix)
}

// GenerateTestCaseHash hashes the ancestor path, item name and parameters
// within a project.
func GenerateTestCaseHash(projectID int64, pathNames []string, itemName string, params []state.Parameter) int64 {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(projectID, 10))
	b.WriteByte(';')
	b.WriteString(strings.Join(pathNames, "/"))
	b.WriteByte(';')
	b.WriteString(itemName)
	if len(params) > 0 {
		b.WriteByte('[')
		b.WriteString(joinParameters(params))
		b.WriteByte(']')
	}
	return int64(xxhash.Sum64String(b.String()))
}

func joinParameters(params []state.Parameter) string {
	rendered := make([]string, 0, len(params))
	for _, p := range params {
		if p.Key != "" {
			rendered = append(rendered, p.Key+"="+p.Value)
			continue
		}
		rendered = append(rendered, p.Value)
	}
	return strings.Join(rendered, ",")
}
