package memory

import (
	"context"
	"sort"
	"sync"

	"inbox-router/internal/model"
)

type InMemoryMessageRepository struct {
	messages map[string]*model.Message
	mutex    sync.RWMutex
}

func NewInMemoryMessageRepository() *InMemoryMessageRepository {
	return &InMemoryMessageRepository{
		messages: make(map[string]*model.Message),
	}
}

func (r *InMemoryMessageRepository) CreateIfAbsent(ctx context.Context, message *model.Message) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, existing := range r.messages {
		if existing.UserID == message.UserID && existing.ExternalID == message.ExternalID {
			return false, nil
		}
	}
	r.messages[message.ID] = message.Clone()
	return true, nil
}

func (r *InMemoryMessageRepository) FindByID(ctx context.Context, userID, id string) (*model.Message, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	message, exists := r.messages[id]
	if !exists || message.UserID != userID {
		return nil, model.ErrMessageNotFound
	}
	return message.Clone(), nil
}

func (r *InMemoryMessageRepository) FindByExternalID(ctx context.Context, userID, externalID string) (*model.Message, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, message := range r.messages {
		if message.UserID == userID && message.ExternalID == externalID {
			return message.Clone(), nil
		}
	}
	return nil, model.ErrMessageNotFound
}

func (r *InMemoryMessageRepository) List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error) {
	filter = filter.Normalize()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var result []*model.Message
	for _, message := range r.messages {
		if message.UserID != userID || !filter.Accepts(message.Status) || !message.Matches(filter.Query) {
			continue
		}
		result = append(result, message.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *InMemoryMessageRepository) CountByStatus(ctx context.Context, userID string) (map[model.MessageStatus]int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	counts := make(map[model.MessageStatus]int)
	for _, message := range r.messages {
		if message.UserID == userID {
			counts[message.Status]++
		}
	}
	return counts, nil
}

func (r *InMemoryMessageRepository) Update(ctx context.Context, message *model.Message) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.messages[message.ID]
	if !exists || existing.UserID != message.UserID {
		return model.ErrMessageNotFound
	}
	r.messages[message.ID] = message.Clone()
	return nil
}

func (r *InMemoryMessageRepository) Modify(ctx context.Context, userID, id string, fn func(*model.Message) error) (*model.Message, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.messages[id]
	if !exists || existing.UserID != userID {
		return nil, model.ErrMessageNotFound
	}
	message := existing.Clone()
	if err := fn(message); err != nil {
		return nil, err
	}
	r.messages[id] = message.Clone()
	return message, nil
}

type InMemoryCredentialRepository struct {
	credentials map[string]*model.Credential
	mutex       sync.RWMutex
}

func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{
		credentials: make(map[string]*model.Credential),
	}
}

func credentialKey(userID string, system model.System) string {
	return userID + "|" + string(system)
}

func (r *InMemoryCredentialRepository) Get(ctx context.Context, userID string, system model.System) (*model.Credential, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	credential, exists := r.credentials[credentialKey(userID, system)]
	if !exists {
		return nil, model.ErrCredentialNotFound
	}
	c := *credential
	return &c, nil
}

func (r *InMemoryCredentialRepository) Save(ctx context.Context, credential *model.Credential) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := *credential
	r.credentials[credentialKey(credential.UserID, credential.System)] = &c
	return nil
}

func (r *InMemoryCredentialRepository) Delete(ctx context.Context, userID string, system model.System) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := credentialKey(userID, system)
	if _, exists := r.credentials[key]; !exists {
		return model.ErrCredentialNotFound
	}
	delete(r.credentials, key)
	return nil
}

func (r *InMemoryCredentialRepository) ListBySystem(ctx context.Context, system model.System) ([]*model.Credential, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var result []*model.Credential
	for _, credential := range r.credentials {
		if credential.System == system {
			c := *credential
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}
