package openai

import "fmt"

const ocrPrompt = "Extract the raw text from this document. Return only the text, no commentary."

// analysisPrompt maps the labels of a caving technical diary onto fixed JSON keys.
const analysisPrompt = `Extract data from the OCR text and return ONLY valid JSON. Use this exact structure and map each label to the field below:

- "TECHNICKÝ DENNÍK č." -> report_number
- "Lokalita" -> locality_name
- "Poloha lokality" -> locality_position
- "Krasové územie" -> karst_area
- "Orografický celok" -> orographic_unit
- "Dátum" -> action_date (format dd.mm.yyyy)
- "Pracovná doba" -> work_time
- "Počasie počas akcie" -> weather
- "Vedúci akcie" -> leader_name
- "Ostatní členovia SSS" -> sss_participants (array of names, without leader)
- "Iní účastníci" (or "PL"/"SK" lists) -> other_participants (array of names)
- "Popis pracovnej činnosti" -> work_description
- "Vyhĺbené (hĺbka) [m]" -> excavated_length_m
- "Objavené (dĺžka) [m]" -> discovered_length_m
- "Zamerané (dĺžka, hĺbka) [m]" -> surveyed_length_m and surveyed_depth_m (split values if present)

Return JSON with keys: report_number, locality_name, locality_position, karst_area, orographic_unit, action_date, work_time, weather, leader_name, work_description, excavated_length_m, discovered_length_m, surveyed_length_m, surveyed_depth_m, sss_participants, other_participants. If a value is missing, use an empty string for string fields and an empty array for participant arrays. Return only JSON, no extra text.`

const answerInstruction = "Answer briefly and factually using only the provided context. If the context is insufficient, say so."

func buildAnswerInput(question, contextText string) string {
	return fmt.Sprintf("Question: %s\n\nContext:\n%s", question, contextText)
}
