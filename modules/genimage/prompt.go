package genimage

import (
	"fmt"
	"strings"
)

// Tier - discrete instruction strength bucket for the creative control sliders
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierFor - fixed step function mapping a [0,1] slider to a tier.
// Thresholds sit at 0.33 and 0.66; no interpolation.
func TierFor(value float64) Tier {
	if value > 0.66 {
		return TierHigh
	}
	if value > 0.33 {
		return TierMedium
	}
	return TierLow
}

// readabilityInstructions - how rigidly the QR structure must survive
var readabilityInstructions = map[Tier]string{
	TierHigh:   "Must have extreme contrast and rigidly preserve the QR code structure.",
	TierMedium: "Should have high contrast and clearly preserve the QR code structure, allowing for some subtle integration.",
	TierLow:    "Can have more abstract and integrated styling, as long as the core QR code data modules are logically distinguishable.",
}

// styleStrengthInstructions - how deeply the theme is applied
var styleStrengthInstructions = map[Tier]string{
	TierHigh:   "The design should be fully immersive and highly artistic, deeply integrating the theme. The QR code should feel like a piece of art.",
	TierMedium: "The theme should be clearly visible and stylistically integrated into the QR code, balancing art with function.",
	TierLow:    "Apply only a subtle hint of the theme, focusing primarily on the basic QR code structure with minor thematic elements.",
}

// BuildPrompt - assemble the redesign instructions for one generation call.
// variationIndex is 0-based; when totalCount > 1 each parallel call gets a
// distinct variation tag so the model diversifies instead of repeating itself.
func BuildPrompt(theme, extraPrompt string, readability, styleStrength float64, hasReference bool, variationIndex, totalCount int) string {
	var inspiration string
	if hasReference {
		inspiration = fmt.Sprintf("The primary inspiration is the provided reference image. Also consider the theme description: %q.", theme)
	} else {
		inspiration = fmt.Sprintf("The theme is: %q.", theme)
	}

	var b strings.Builder
	b.WriteString("You are a creative graphic designer specializing in QR codes.\n")
	b.WriteString("Your task is to artistically redesign the provided QR code image based on a theme.\n\n")

	b.WriteString("**Theme Inspiration:**\n")
	b.WriteString(inspiration)
	b.WriteString("\n\n")

	b.WriteString("**Creative Controls:**\n")
	b.WriteString("- **Readability:** " + readabilityInstructions[TierFor(readability)] +
		" This is the most critical rule. The final image MUST be a scannable QR code.\n")
	b.WriteString("- **Style Strength:** " + styleStrengthInstructions[TierFor(styleStrength)] + "\n")

	if extraPrompt != "" {
		b.WriteString(fmt.Sprintf("\n**User Instructions:** %q\n", extraPrompt))
	}

	b.WriteString("\n**Technical Rules:**\n")
	b.WriteString("1. Preserve the QR code's data integrity and quiet zone.\n")
	b.WriteString("2. Do not add any text unless it's part of the artistic design.\n")
	b.WriteString("3. Output the image only.")

	if totalCount > 1 {
		b.WriteString(fmt.Sprintf("\n\n**VARIATION:** Create variation number %d of %d. Please provide a distinct visual interpretation.",
			variationIndex+1, totalCount))
	}

	return b.String()
}
