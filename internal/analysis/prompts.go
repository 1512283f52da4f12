package analysis

import "fmt"

func analyzePrompt(transcriptTail string) string {
	return fmt.Sprintf(`You are a lecture assistant analyzing the live transcript of a lecture.
The following is the recent transcript so far.

Your task:
1. Identify the current topic being discussed at the very end of the transcript.
2. Extract 2-3 current key technical terms/concepts from the recent context that need defining.
3. Determine the emphasis level of the current topic, from 0.0 (passing mention) to 1.0 (central focus).
4. Extract a takeaway if the speaker just finished a key point.
5. Provide a concise summary of this specific segment.

Return ONLY this JSON, no markdown fences:
{"terms": [{"term": "...", "type": "concept"}], "topic": "...", "emphasis_level": 0.7, "takeaway": "..." or null, "summary": "..."}

Transcript:
%s`, transcriptTail)
}

func definePrompt(term, contextTail string) string {
	return fmt.Sprintf(`You are a lecture assistant. Define the term below in 1-3 clear sentences.
Use the lecture context only to disambiguate meaning. Avoid citations.

Term: %s
Context: %s`, term, contextTail)
}

func deepResearchPrompt(topic, contextTail string) string {
	return fmt.Sprintf(`You are a research assistant. Write a thorough, multi-paragraph explanation
of the topic below for a student. Use the lecture context only to disambiguate.
If you reference external sources, return JSON of the shape
{"content": "...", "citations": [{"title": "...", "url": "..."}]} instead of
plain prose. Otherwise, answer in plain prose.

Topic: %s
Context: %s`, topic, contextTail)
}

func summarizePrompt(transcriptTail string) string {
	return fmt.Sprintf(`You are a lecture assistant. Produce a concise, 3-5 sentence summary
of the following lecture transcript so far. Focus on the main topics covered.
Transcript:
%s`, transcriptTail)
}
