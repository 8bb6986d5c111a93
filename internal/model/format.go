package model

import "fmt"

func formatCompetitorMessage(prefix, name string, index, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%s %s", prefix, name)
	}
	return fmt.Sprintf("%s %s (%d/%d)", prefix, name, index+1, total)
}

// CountMessage renders "N/M competitors analyzed successfully".
func CountMessage(successful, total int) string {
	return fmt.Sprintf("%d/%d competitors analyzed successfully", successful, total)
}
