package gateway

import "fmt"

const modelPrompt = `You are an expert fashion photographer AI. Transform the person in this image into a full-body fashion model photo suitable for an e-commerce website. The background must be a clean, neutral studio backdrop (light gray, #f0f0f0). The person should have a neutral, professional model expression. Preserve the person's identity, unique features, and body type, but place them in a standard, relaxed standing model pose. The final image must be photorealistic. Return ONLY the final image.`

func tryOnPrompt(background string) string {
	backgroundRule := "3. **Preserve the Background:** The entire background from the 'model image' MUST be preserved perfectly."
	if background != "" {
		backgroundRule = fmt.Sprintf("3. **Background:** Place the person in this setting: %s. Keep lighting consistent with it.", background)
	}
	return `You are an expert virtual try-on AI. You will be given a 'model image' and a 'garment image'. Your task is to create a new photorealistic image where the person from the 'model image' is wearing the clothing from the 'garment image'.

**Crucial Rules:**
1. **Complete Garment Replacement:** You MUST completely REMOVE and REPLACE the clothing item worn by the person in the 'model image' with the new garment. No part of the original clothing that the new garment covers should remain visible.
2. **Preserve the Model:** The person's face, hair, body shape, and pose from the 'model image' MUST remain unchanged.
` + backgroundRule + `
4. **Apply the Garment:** Realistically fit the new garment onto the person. It should adapt to their pose with natural folds, shadows, and lighting consistent with the scene.
5. **Output:** Return ONLY the final, edited image. Do not include any text.`
}

func posePrompt(instruction, background string) string {
	p := fmt.Sprintf(`You are an expert fashion photographer AI. Take this image and regenerate it from a different perspective. The person and clothing must remain identical. The new perspective should be: "%s".`, instruction)
	if background != "" {
		p += fmt.Sprintf(" The background should be: %s.", background)
	} else {
		p += " The background style must remain identical."
	}
	return p + " Return ONLY the final image."
}

func editPrompt(instruction string) string {
	return fmt.Sprintf(`You are an expert photo editor AI. Apply the following edit to this fashion photo: "%s". Keep the person's identity, body, and anything the edit does not mention unchanged. The result must be photorealistic. Return ONLY the final image.`, instruction)
}

// BackgroundInstruction wraps a backdrop description in the edit instruction
// used by change-background.
func BackgroundInstruction(background string) string {
	return fmt.Sprintf("Change the background to %s. Preserve the subject exactly as they are: same person, pose, clothing, and framing.", background)
}
