package analysis

import (
	"strconv"
	"strings"
)

// Project attribute keys read by the analyzers and the launch finished runners.
const (
	AttrAutoAnalyzerEnabled      = "analyzer.isAutoAnalyzerEnabled"
	AttrPatternAnalyzerEnabled   = "analyzer.isAutoPatternAnalyzerEnabled"
	AttrMinShouldMatch           = "analyzer.minShouldMatch"
	AttrNumberOfLogLines         = "analyzer.numberOfLogLines"
	AttrAutoAnalyzerMode         = "analyzer.autoAnalyzerMode"
	AttrAllMessagesShouldMatch   = "analyzer.allMessagesShouldMatch"
	AttrSearchLogsMinShouldMatch = "analyzer.searchLogsMinShouldMatch"
	AttrIndexingRunning          = "analyzer.indexingRunning"
	AttrUniqueErrorEnabled       = "analyzer.uniqueError.enabled"
	AttrUniqueErrorRemoveNumbers = "analyzer.uniqueError.removeNumbers"
	AttrNotificationsEnabled     = "notifications.enabled"
)

const (
	defaultMinShouldMatch           = 95
	defaultSearchLogsMinShouldMatch = 95
	// AllLogLines asks the analyzer to consider every log line.
	AllLogLines = -1
)

// Mode selects which earlier launches the analyzer compares against.
type Mode string

const (
	ModeAllLaunches     Mode = "ALL"
	ModeLaunchName      Mode = "LAUNCH_NAME"
	ModeCurrentLaunch   Mode = "CURRENT_LAUNCH"
	ModePreviousLaunch  Mode = "PREVIOUS_LAUNCH"
	ModeCurrentAndNamed Mode = "CURRENT_AND_THE_SAME_NAME"
)

// ItemMode selects which items of a launch go to auto analysis.
type ItemMode string

const ItemModeToInvestigate ItemMode = "TO_INVESTIGATE"

// AnalyzerConfig is the analyzer section of a project's configuration.
type AnalyzerConfig struct {
	AutoAnalyzerEnabled      bool `json:"isAutoAnalyzerEnabled"`
	PatternAnalyzerEnabled   bool `json:"isAutoPatternAnalyzerEnabled"`
	MinShouldMatch           int  `json:"minShouldMatch"`
	SearchLogsMinShouldMatch int  `json:"searchLogsMinShouldMatch"`
	NumberOfLogLines         int  `json:"numberOfLogLines"`
	Mode                     Mode `json:"analyzerMode,omitempty"`
	AllMessagesShouldMatch   bool `json:"allMessagesShouldMatch"`
	IndexingRunning          bool `json:"indexingRunning"`
	UniqueErrorEnabled       bool `json:"uniqueErrorEnabled"`
	UniqueErrorRemoveNumbers bool `json:"uniqueErrorRemoveNumbers"`
}

// ConfigFromAttributes reads an AnalyzerConfig from a project attribute map.
// Absent booleans are false; absent or malformed numbers take their defaults.
func ConfigFromAttributes(attrs map[string]string) AnalyzerConfig {
	return AnalyzerConfig{
		AutoAnalyzerEnabled:      Bool(attrs, AttrAutoAnalyzerEnabled),
		PatternAnalyzerEnabled:   Bool(attrs, AttrPatternAnalyzerEnabled),
		MinShouldMatch:           intAttr(attrs, AttrMinShouldMatch, defaultMinShouldMatch),
		SearchLogsMinShouldMatch: intAttr(attrs, AttrSearchLogsMinShouldMatch, defaultSearchLogsMinShouldMatch),
		NumberOfLogLines:         intAttr(attrs, AttrNumberOfLogLines, AllLogLines),
		Mode:                     Mode(strings.TrimSpace(attrs[AttrAutoAnalyzerMode])),
		AllMessagesShouldMatch:   Bool(attrs, AttrAllMessagesShouldMatch),
		IndexingRunning:          Bool(attrs, AttrIndexingRunning),
		UniqueErrorEnabled:       Bool(attrs, AttrUniqueErrorEnabled),
		UniqueErrorRemoveNumbers: Bool(attrs, AttrUniqueErrorRemoveNumbers),
	}
}

// Bool reads a boolean project attribute. Only "true" (any case) is true.
func Bool(attrs map[string]string, key string) bool {
	return strings.EqualFold(strings.TrimSpace(attrs[key]), "true")
}

func intAttr(attrs map[string]string, key string, fallback int) int {
	raw, ok := attrs[key]
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
