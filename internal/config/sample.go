package config

const sampleConfig = `# StoryPipe configuration.
# Every key is optional; anything left out uses the built-in default.

[conversation]
# Time between a question and its first reminder, and between reminders.
question_interval = "24h"
reminder_interval = "48h"
# Pause after an answer before the next question. "0s" asks immediately.
next_question_delay = "24h"
# Readiness re-ask backoff doubles from readiness_backoff up to max_readiness_backoff.
readiness_backoff = "2h"
max_readiness_backoff = "24h"
# Unanswered or declined readiness checks before the conversation stalls.
max_readiness_retries = 3
# Reminders per question before waiting indefinitely for the answer.
max_reminders = 2
# How long a send claim blocks other workers.
claim_ttl = "2m"

[scheduler]
tick_interval = "1m"
workers = 4
batch_size = 100

[delivery]
max_attempts = 3
base_delay = "500ms"
max_delay = "10s"
network_timeout = "15s"
sends_per_second = 5.0
send_burst = 5
max_media_bytes = 33554432
stale_download_after = "15m"

[classifier]
# Ask an OpenAI model when keyword matching cannot tell yes from no.
# Requires OPENAI_API_KEY.
use_openai = false
model = "gpt-4o-mini"

[script]
# Placeholders: {storyteller} {buyer} {question} {number} {total}
question = "Question {number} of {total}: {question}\n\nReply with a voice note whenever you're ready."
acknowledge = "Thank you, I've saved your story!"
questions = [
  "Where did you grow up, and what was your home like?",
  "Who was your best friend as a child, and what did you get up to together?",
  "What was your first job, and what do you remember about it?",
  "How did you meet the love of your life?",
  "What is a tradition from your family that you'd like to see carried on?",
  "What is the best piece of advice you've ever received?",
  "What moment in your life are you most proud of?",
]
`
