// ABOUTME: English and Russian text providers
// ABOUTME: Each provider is a stateless value implementing Provider

package texts

import (
	"fmt"

	"github.com/2389/frontdesk/internal/store"
)

// English texts.
type English struct{}

var englishLabels = labels{
	newConversation: "New conversation!",
	customer:        "Customer",
	agent:           "Agent",
	attachment:      "attachment",
	name:            "Name",
	username:        "Username",
	tags:            "Tags",
	noMessages:      "No messages yet.",
}

func (English) Language() string { return "en" }

func (English) CustomerStart() string {
	return "Welcome to support service! Please describe your problem."
}

func (English) CustomerResolved(rating int) string {
	if rating == 0 {
		return "Your conversation has been resolved. Thank you for contacting us!"
	}
	return fmt.Sprintf("Your conversation has been resolved. Your rating: %s. Thank you!", FormatRating(rating))
}

func (English) RatingPrompt() string {
	return "Please rate the support you received from 1 to 5."
}

func (English) AgentStart() string { return "Welcome to the support agent bot!" }

func (English) AgentPermissionDenied() string {
	return "You don't have permission to access support agent functionality."
}

func (English) WorkplaceNotAssigned() string {
	return "This chat is not assigned to any ongoing conversation with a customer right now."
}

func (English) AgentConversationResolved() string { return "Conversation resolved." }

func (English) AgentConversationPostponed() string {
	return "Conversation returned to the queue."
}

func (English) AssignToMeButton() string { return "Assign to me" }

func (English) TagCreated(name string) string { return fmt.Sprintf("Tag %q created.", name) }

func (English) TagAlreadyExists(name string) string {
	return fmt.Sprintf("Tag %q already exists.", name)
}

func (English) TagPermissionDenied() string { return "You don't have permission to create tags." }

func (English) TagUsage() string { return "Usage: !tag <name>" }

func (English) AddTagButton(name string) string { return "☐ " + name }

func (English) RemoveTagButton(name string) string { return "☑ " + name }

func (English) NewConversationNotification(conv *store.Conversation, customer *store.Customer) Text {
	return composeNotification(englishLabels, conv, customer)
}

func (English) CustomerProfile(customer *store.Customer) Text {
	return composeProfile(englishLabels, customer)
}

// Russian texts.
type Russian struct{}

var russianLabels = labels{
	newConversation: "Новое обращение!",
	customer:        "Клиент",
	agent:           "Агент",
	attachment:      "вложение",
	name:            "Имя",
	username:        "Имя пользователя",
	tags:            "Теги",
	noMessages:      "Сообщений пока нет.",
}

func (Russian) Language() string { return "ru" }

func (Russian) CustomerStart() string {
	return "Добро пожаловать в службу поддержки! Пожалуйста, опишите вашу проблему."
}

func (Russian) CustomerResolved(rating int) string {
	if rating == 0 {
		return "Ваше обращение закрыто. Спасибо, что обратились к нам!"
	}
	return fmt.Sprintf("Ваше обращение закрыто. Ваша оценка: %s. Спасибо!", FormatRating(rating))
}

func (Russian) RatingPrompt() string {
	return "Пожалуйста, оцените качество поддержки от 1 до 5."
}

func (Russian) AgentStart() string { return "Добро пожаловать в бот агента поддержки!" }

func (Russian) AgentPermissionDenied() string {
	return "У вас нет доступа к функциям агента поддержки."
}

func (Russian) WorkplaceNotAssigned() string {
	return "Этот чат сейчас не привязан ни к одному обращению клиента."
}

func (Russian) AgentConversationResolved() string { return "Обращение закрыто." }

func (Russian) AgentConversationPostponed() string { return "Обращение возвращено в очередь." }

func (Russian) AssignToMeButton() string { return "Взять себе" }

func (Russian) TagCreated(name string) string { return fmt.Sprintf("Тег %q создан.", name) }

func (Russian) TagAlreadyExists(name string) string {
	return fmt.Sprintf("Тег %q уже существует.", name)
}

func (Russian) TagPermissionDenied() string { return "У вас нет прав на создание тегов." }

func (Russian) TagUsage() string { return "Использование: !tag <название>" }

func (Russian) AddTagButton(name string) string { return "☐ " + name }

func (Russian) RemoveTagButton(name string) string { return "☑ " + name }

func (Russian) NewConversationNotification(conv *store.Conversation, customer *store.Customer) Text {
	return composeNotification(russianLabels, conv, customer)
}

func (Russian) CustomerProfile(customer *store.Customer) Text {
	return composeProfile(russianLabels, customer)
}

var (
	_ Provider = English{}
	_ Provider = Russian{}
)
